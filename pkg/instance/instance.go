package instance

import "os"

// GetID returns the dispatcher instance identifier: DISPATCH_INSTANCE_ID, then the host
// name, then a fixed default.
func GetID() string {
	if id := os.Getenv("DISPATCH_INSTANCE_ID"); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "dispatcher-0"
}
