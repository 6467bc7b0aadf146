package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// DefaultICEServers returns the STUN-only fallback used when no ICE server
// configuration is supplied. TURN servers, when deployed, are provided via
// configuration; their credential issuance is outside this system.
func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{URLs: []string{"stun:stun1.l.google.com:19302"}},
		{URLs: []string{"stun:stun2.l.google.com:19302"}},
		{URLs: []string{"stun:stun3.l.google.com:19302"}},
		{URLs: []string{"stun:stun4.l.google.com:19302"}},
	}
}

// ParseICEServers parses an ICE server list from its JSON form:
// [{"urls":["turn:..."],"username":"u","credential":"c"}, ...]
// An empty input yields the STUN-only fallback.
func ParseICEServers(data []byte) ([]webrtc.ICEServer, error) {
	if len(data) == 0 {
		return DefaultICEServers(), nil
	}

	var servers []webrtc.ICEServer
	if err := json.Unmarshal(data, &servers); err != nil {
		return nil, fmt.Errorf("invalid ICE server config: %w", err)
	}
	if len(servers) == 0 {
		return DefaultICEServers(), nil
	}

	for i, s := range servers {
		if len(s.URLs) == 0 {
			return nil, fmt.Errorf("ICE server %d has no urls", i)
		}
	}
	return servers, nil
}
