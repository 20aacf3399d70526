package websocket

import (
	"encoding/json"
	"strings"
)

const (
	CommandSub   = "SUB"
	CommandUnsub = "UNSUB"
	CommandPing  = "PING"
)

var (
	keepaliveFrame = []byte(`{"event":"KEEPALIVE"}`)
	pongFrame      = []byte(`{"event":"PONG"}`)
)

// Command is one inbound control frame.
type Command struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// parseCommand decodes a frame and normalizes its type. Frames that are not
// a JSON object with string fields are rejected.
func parseCommand(data []byte) (Command, bool) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, false
	}
	cmd.Type = strings.ToUpper(strings.TrimSpace(cmd.Type))
	return cmd, true
}
