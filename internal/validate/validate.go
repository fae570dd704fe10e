// Package validate checks decoded documents against embedded JSON schemas.
package validate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidateJSON validates a value with the given schema. The value is first
// normalised through encoding/json so TOML and YAML decodings validate alike.
func ValidateJSON(obj any, schemaSrc string) error {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("mem://schema.json", strings.NewReader(schemaSrc)); err != nil {
		return err
	}
	sch, err := c.Compile("mem://schema.json")
	if err != nil {
		return err
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("encode for validation: %w", err)
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	return sch.Validate(doc)
}

// ValidateConfig validates the agent configuration.
func ValidateConfig(cfg any) error {
	return ValidateJSON(cfg, configSchema)
}

const durationPattern = `^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`

var configSchema = `{
  "$schema":"https://json-schema.org/draft/2020-12/schema",
  "type":"object",
  "required":["listen","token","data_dir","server"],
  "properties":{
    "listen":{"type":"string","minLength":1},
    "token":{"type":"string","minLength":16},
    "data_dir":{"type":"string","minLength":1},
    "log_level":{"type":"string","enum":["","trace","debug","info","warn","error"]},
    "log_file":{"type":"string"},
    "server":{
      "type":"object",
      "required":["dir"],
      "properties":{
        "dir":{"type":"string","minLength":1},
        "start_script":{"type":"string"},
        "java":{"type":"string"},
        "jar":{"type":"string"},
        "min_memory":{"type":"string"},
        "max_memory":{"type":"string"},
        "stop_command":{"type":"string","minLength":1},
        "stop_timeout":{"type":"string","pattern":"` + durationPattern + `"},
        "kill_wait":{"type":"string","pattern":"` + durationPattern + `"},
        "auto_start":{"type":"boolean"},
        "accept_eula":{"type":"boolean"},
        "nofile":{"type":"integer","minimum":0},
        "console_buffer":{"type":"integer","minimum":1000,"maximum":5000}
      }
    },
    "backup":{
      "type":"object",
      "properties":{
        "dir":{"type":"string"},
        "keep":{"type":"integer","minimum":0},
        "exclude":{"type":["array","null"],"items":{"type":"string"}}
      }
    },
    "audit":{
      "type":"object",
      "properties":{
        "sqlite":{"type":"string"},
        "nats_url":{"type":"string"},
        "nats_subject":{"type":"string"},
        "mqtt_broker":{"type":"string"},
        "mqtt_topic":{"type":"string"},
        "webhook_url":{"type":"string"},
        "webhook_token":{"type":"string"}
      }
    },
    "rate_limit":{
      "type":"object",
      "properties":{
        "commands":{"type":"integer","minimum":0},
        "window":{"type":"string","pattern":"` + durationPattern + `"}
      }
    },
    "stats":{
      "type":"object",
      "properties":{
        "interval":{"type":"string","pattern":"` + durationPattern + `"},
        "query_timeout":{"type":"string","pattern":"` + durationPattern + `"},
        "query_ttl":{"type":"string","pattern":"` + durationPattern + `"}
      }
    },
    "schedule":{
      "type":["array","null"],
      "items":{
        "type":"object",
        "required":["name","action","at"],
        "properties":{
          "name":{"type":"string","minLength":1},
          "action":{"type":"string","enum":["start","stop","restart","backup","command"]},
          "at":{"type":"string","minLength":1},
          "command":{"type":"string"}
        }
      }
    }
  }
}`
