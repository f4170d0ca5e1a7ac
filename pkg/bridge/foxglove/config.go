package foxglove

const DefaultEventSchema = `{
  "type": "object",
  "properties": {
    "kind": { "type": "string" },
    "ts": { "type": "string" },
    "session": { "type": "string" },
    "state": { "type": "string" },
    "reason": { "type": "string" },
    "text": { "type": "string" },
    "error": { "type": "string" },
    "sample": {
      "type": "object",
      "properties": {
        "pitch": { "type": "number" },
        "roll": { "type": "number" },
        "yaw": { "type": "number" },
        "quaternion": {
          "type": "object",
          "properties": {
            "x": { "type": "number" },
            "y": { "type": "number" },
            "z": { "type": "number" },
            "w": { "type": "number" }
          }
        }
      }
    }
  },
  "required": ["kind", "ts"]
}`

const DefaultMarkerSchema = `{
  "type": "object",
  "properties": {
    "header": {
      "type": "object",
      "properties": {
        "frame_id": { "type": "string" },
        "stamp": {
          "type": "object",
          "properties": {
            "sec": { "type": "integer" },
            "nsec": { "type": "integer" }
          }
        }
      }
    },
    "ns": { "type": "string" },
    "id": { "type": "integer" },
    "type": { "type": "integer" },
    "action": { "type": "integer" },
    "pose": {
      "type": "object",
      "properties": {
        "position": {
          "type": "object",
          "properties": {
            "x": { "type": "number" },
            "y": { "type": "number" },
            "z": { "type": "number" }
          }
        },
        "orientation": {
          "type": "object",
          "properties": {
            "x": { "type": "number" },
            "y": { "type": "number" },
            "z": { "type": "number" },
            "w": { "type": "number" }
          }
        }
      }
    },
    "scale": {
      "type": "object",
      "properties": {
        "x": { "type": "number" },
        "y": { "type": "number" },
        "z": { "type": "number" }
      }
    },
    "color": {
      "type": "object",
      "properties": {
        "r": { "type": "number" },
        "g": { "type": "number" },
        "b": { "type": "number" },
        "a": { "type": "number" }
      }
    }
  }
}`

const DefaultFrameTransformSchema = `{
  "type": "object",
  "properties": {
    "transforms": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "timestamp": {
            "type": "object",
            "properties": {
              "sec": { "type": "integer" },
              "nsec": { "type": "integer" }
            }
          },
          "parent_frame_id": { "type": "string" },
          "child_frame_id": { "type": "string" },
          "translation": {
            "type": "object",
            "properties": {
              "x": { "type": "number" },
              "y": { "type": "number" },
              "z": { "type": "number" }
            }
          },
          "rotation": {
            "type": "object",
            "properties": {
              "x": { "type": "number" },
              "y": { "type": "number" },
              "z": { "type": "number" },
              "w": { "type": "number" }
            }
          }
        }
      }
    }
  }
}`

const DefaultLogSchema = `{
  "type": "object",
  "properties": {
    "timestamp": {
      "type": "object",
      "properties": {
        "sec": { "type": "integer" },
        "nsec": { "type": "integer" }
      }
    },
    "level": { "type": "integer" },
    "message": { "type": "string" },
    "name": { "type": "string" },
    "file": { "type": "string" },
    "line": { "type": "integer" }
  }
}`

type Config struct {
	WSAddr         string
	Name           string
	EventTopic     string
	MarkerTopic    string
	TransformTopic string
	LogTopic       string
	LogName        string
	ParentFrameID  string
	FrameID        string
	SendBuf        int
}

func DefaultConfig() Config {
	return Config{
		WSAddr:         "127.0.0.1:8765",
		Name:           "gyrolink",
		EventTopic:     "gyrolink/events",
		MarkerTopic:    "/visualization_marker",
		TransformTopic: "/tf",
		LogTopic:       "/gyrolink/log",
		LogName:        "gyrolink",
		ParentFrameID:  "world",
		FrameID:        "device",
		SendBuf:        256,
	}
}

func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	if cfg.WSAddr == "" {
		cfg.WSAddr = def.WSAddr
	}
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.EventTopic == "" {
		cfg.EventTopic = def.EventTopic
	}
	if cfg.MarkerTopic == "" {
		cfg.MarkerTopic = def.MarkerTopic
	}
	if cfg.TransformTopic == "" {
		cfg.TransformTopic = def.TransformTopic
	}
	if cfg.LogTopic == "" {
		cfg.LogTopic = def.LogTopic
	}
	if cfg.LogName == "" {
		cfg.LogName = def.LogName
	}
	if cfg.ParentFrameID == "" {
		cfg.ParentFrameID = def.ParentFrameID
	}
	if cfg.FrameID == "" {
		cfg.FrameID = def.FrameID
	}
	if cfg.SendBuf <= 0 {
		cfg.SendBuf = def.SendBuf
	}
	return cfg
}
