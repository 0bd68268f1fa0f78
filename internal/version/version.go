package version

import (
	"fmt"
	"sync"
)

// Version is the proxy's own release version.
const Version = "1.0.0"

// defaultClientVersion is the impersonated Antigravity client version shipped
// with this build. The version fetcher may replace it at runtime when the
// upstream updater reports a newer release.
const defaultClientVersion = "1.16.5"

var (
	mu            sync.RWMutex
	clientVersion = defaultClientVersion
)

// ClientVersion returns the Antigravity client version currently impersonated.
func ClientVersion() string {
	mu.RLock()
	defer mu.RUnlock()
	return clientVersion
}

// SetClientVersion swaps the impersonated client version in memory.
func SetClientVersion(v string) {
	if v == "" {
		return
	}
	mu.Lock()
	clientVersion = v
	mu.Unlock()
}

// UserAgent builds the upstream User-Agent string. The platform tuple is fixed
// to windows/amd64 regardless of the host: the device identity stored on each
// account claims a Windows machine and the two must agree.
func UserAgent() string {
	return fmt.Sprintf("antigravity/%s windows/amd64", ClientVersion())
}
