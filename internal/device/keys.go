package device

// Vault keys owned by the registry.
const (
	KeyIdentifier   = "device.identifier"
	KeyName         = "device.name"
	KeyRegisteredAt = "device.registered_at"
	KeyShared       = "device.shared"
	KeyAccessToken  = "token.access"
	KeyRefreshToken = "token.refresh"
	KeyIDToken      = "token.id"
	KeyClientID     = "client.id"
	KeyClientSecret = "client.secret"
)

type entry struct {
	key   string
	value string
}

// identity keys are written last so a partial write never reloads as a
// registered device.
func writeOrder(tokens []entry, identity []entry) []entry {
	out := make([]entry, 0, len(tokens)+len(identity))
	for _, e := range tokens {
		if e.value != "" {
			out = append(out, e)
		}
	}
	return append(out, identity...)
}
