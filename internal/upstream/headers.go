package upstream

import (
	"fmt"
	"net/url"
	"strconv"

	"ag2api-go/internal/fingerprint"
	"ag2api-go/internal/version"
)

const xGoogAPIClient = "google-cloud-sdk vscode_cloudshelleditor/0.1"

// ideType 6 = Antigravity, platform 1 = windows (matching the advertised
// user agent), pluginType 2 = Gemini.
const clientMetadata = `{"ideType":6,"platform":1,"pluginType":2}`

// buildHeaders returns the exact header sequence the official client sends.
// Order matters on the fingerprint path; the helper writes these verbatim.
func buildHeaders(rawURL, accessToken string, bodyLen int) []fingerprint.Header {
	host := ""
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Host
	}
	return []fingerprint.Header{
		{Name: "Host", Value: host},
		{Name: "Authorization", Value: "Bearer " + accessToken},
		{Name: "Content-Type", Value: "application/json"},
		{Name: "User-Agent", Value: version.UserAgent()},
		{Name: "X-Goog-Api-Client", Value: xGoogAPIClient},
		{Name: "Client-Metadata", Value: clientMetadata},
		{Name: "Accept-Encoding", Value: "gzip"},
		{Name: "Content-Length", Value: strconv.Itoa(bodyLen)},
		{Name: "Connection", Value: "close"},
	}
}

// methodURL joins the Code Assist endpoint with a v1internal method name.
func methodURL(endpoint, method string) string {
	return fmt.Sprintf("%s/v1internal:%s", endpoint, method)
}
