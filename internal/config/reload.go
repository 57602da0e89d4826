package config

import "reflect"

// ChangedBlocks lists the top-level blocks whose compiled settings differ.
func ChangedBlocks(old, updated Compiled) []string {
	var out []string
	check := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			out = append(out, name)
		}
	}
	check("feed_api", old.FeedAPI, updated.FeedAPI)
	check("health_api", old.HealthAPI, updated.HealthAPI)
	check("lease", old.Lease, updated.Lease)
	check("getcommands", old.GetCommands, updated.GetCommands)
	check("checkpoint", old.Checkpoint, updated.Checkpoint)
	check("replay", old.Replay, updated.Replay)
	check("client", old.Client, updated.Client)
	check("api_traffic", old.APITraffic, updated.APITraffic)
	check("flags", old.Flags, updated.Flags)
	check("agents", old.Agents, updated.Agents)
	check("queue", old.Queue, updated.Queue)
	check("workers", old.Workers, updated.Workers)
	check("export_probe", old.ExportProbe, updated.ExportProbe)
	check("observability", old.Observability, updated.Observability)
	return out
}

// RestartRequired lists the changes a running process cannot apply: the
// listeners, storage, worker sizing and telemetry exporters. Tokens, flags,
// tunables and the agent map file are applied live.
func RestartRequired(old, updated Compiled) []string {
	var out []string
	if old.FeedAPI.Listen != updated.FeedAPI.Listen {
		out = append(out, "feed_api.listen")
	}
	if old.FeedAPI.Prefix != updated.FeedAPI.Prefix {
		out = append(out, "feed_api.prefix")
	}
	if old.FeedAPI.MaxBodyBytes != updated.FeedAPI.MaxBodyBytes {
		out = append(out, "feed_api.max_body")
	}
	for _, name := range ChangedBlocks(old, updated) {
		switch name {
		case "health_api", "queue", "workers", "export_probe", "observability":
			out = append(out, name)
		}
	}
	return out
}
