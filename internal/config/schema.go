package config

var (
	oneArg   = directiveSpec{minArgs: 1, maxArgs: 1}
	listArgs = directiveSpec{minArgs: 1, maxArgs: -1}
)

func block(body map[string]directiveSpec) directiveSpec {
	return directiveSpec{block: blockRequired, body: body}
}

var topLevel = map[string]directiveSpec{
	"feed_api": block(map[string]directiveSpec{
		"listen":      oneArg,
		"prefix":      oneArg,
		"auth":        {minArgs: 2, maxArgs: 3, repeat: true},
		"admin_token": {minArgs: 1, maxArgs: 1, repeat: true},
		"max_body":    oneArg,
	}),
	"health_api": block(map[string]directiveSpec{
		"listen": oneArg,
	}),
	"lease": block(map[string]directiveSpec{
		"min":                 oneArg,
		"max":                 oneArg,
		"poll_interval":       oneArg,
		"pop_error_threshold": oneArg,
	}),
	"getcommands": block(map[string]directiveSpec{
		"max_commands":        oneArg,
		"max_wait":            oneArg,
		"max_wait_reduced":    oneArg,
		"low_tier_wait":       oneArg,
		"min_wait":            oneArg,
		"low_tier_threshold":  oneArg,
		"min_remaining_lease": oneArg,
	}),
	"checkpoint": block(map[string]directiveSpec{
		"failed_replay":                          oneArg,
		"verification_failed_replay":             oneArg,
		"unexpected_verification_failure_replay": oneArg,
		"unexpected_command_replay":              oneArg,
		"command_ttl":                            oneArg,
		"sla": block(map[string]directiveSpec{
			"aad_export": oneArg,
			"export":     oneArg,
			"non_export": oneArg,
		}),
	}),
	"replay": block(map[string]directiveSpec{
		"max_days":      oneArg,
		"extended_days": oneArg,
		"batch_size":    oneArg,
	}),
	"client": block(map[string]directiveSpec{
		"min_sdk_version":          oneArg,
		"multi_tenant_sdk_version": oneArg,
	}),
	"api_traffic": block(map[string]directiveSpec{
		"rps":   oneArg,
		"burst": oneArg,
	}),
	"flags": block(map[string]directiveSpec{
		"getcommands_disabled":       oneArg,
		"deferred_delete_disabled":   oneArg,
		"allow_sdk_without_verifier": oneArg,
		"export_replay":              oneArg,
		"synthetic_insertion":        oneArg,
		"blocked_agents":             listArgs,
		"blocked_asset_groups":       listArgs,
		"replay_disallowed_agents":   listArgs,
		"replay_extended_agents":     listArgs,
	}),
	"agents": block(map[string]directiveSpec{
		"file":  oneArg,
		"watch": oneArg,
	}),
	"queue": block(map[string]directiveSpec{
		"backend": oneArg,
		"path":    oneArg,
		"dsn":     oneArg,
		"moniker": oneArg,
	}),
	"workers": block(map[string]directiveSpec{
		"concurrency":        oneArg,
		"background_workers": oneArg,
		"background_buffer":  oneArg,
		"poll_interval":      oneArg,
		"max_attempts":       oneArg,
		"retry_cap":          oneArg,
		"handler_timeout":    oneArg,
	}),
	"export_probe": block(map[string]directiveSpec{
		"enabled": oneArg,
		"timeout": oneArg,
	}),
	"observability": block(map[string]directiveSpec{
		"log_level": oneArg,
		"access_log": {maxArgs: 1, block: blockOptional, body: map[string]directiveSpec{
			"output": oneArg,
			"path":   oneArg,
		}},
		"metrics": {maxArgs: 1, block: blockOptional, body: map[string]directiveSpec{
			"listen": oneArg,
			"path":   oneArg,
		}},
		"tracing": {maxArgs: 1, block: blockOptional, body: map[string]directiveSpec{
			"collector":    oneArg,
			"insecure":     oneArg,
			"sample_ratio": oneArg,
			"service_name": oneArg,
			"timeout":      oneArg,
		}},
	}),
}
