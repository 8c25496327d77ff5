package virt

import "github.com/tidwall/sjson"

// BuildQueryBlockJSON returns the QMP command listing the block devices and
// the image each one currently writes to.
func BuildQueryBlockJSON() string {
	json := `{}`
	json, _ = sjson.Set(json, "execute", "query-block")
	return json
}

// BuildGuestPingJSON returns the guest agent command used to probe the agent.
func BuildGuestPingJSON() string {
	json := `{}`
	json, _ = sjson.Set(json, "execute", "guest-ping")
	return json
}
