package live

// DisabledBanner is shown while the socket is down and not retrying.
const DisabledBanner = "real-time updates disabled; refresh to see changes"

// Banner returns the passive status text for state, or "" when nothing
// needs saying.
func Banner(state State) string {
	if state == StateDisconnected {
		return DisabledBanner
	}
	return ""
}
