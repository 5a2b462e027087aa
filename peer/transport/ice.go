package transport

import (
	"strings"

	"github.com/pion/webrtc/v4"
)

// ICEServers builds the connectivity helper configuration. TURN servers
// are added only when at least one URL is given.
func ICEServers(stun, turn []string, username, credential string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if urls := nonEmpty(stun); len(urls) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: urls})
	}
	if urls := nonEmpty(turn); len(urls) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       urls,
			Username:   username,
			Credential: credential,
		})
	}
	return servers
}

func nonEmpty(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}
