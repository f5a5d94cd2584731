package turn

// Fingerprint captures the configuration that shaped a backend session. Any
// field change invalidates the session, with one exception handled by the
// pool: a resource-index-only change inside the rebuild debounce window.
type Fingerprint struct {
	BrowserTool            bool
	LazySkills             bool
	ProfileID              string
	ProviderSignature      string
	EffectiveModel         string
	PluginMCPHash          string
	ResourceIndexHash      string
	HasInteractionCallback bool
}

// Equal reports whether two fingerprints match on every field.
func (f Fingerprint) Equal(other Fingerprint) bool {
	return f == other
}

// onlyResourceIndexDiff reports whether the fingerprints differ in the
// resource-index hash and nothing else.
func onlyResourceIndexDiff(a, b Fingerprint) bool {
	if a.ResourceIndexHash == b.ResourceIndexHash {
		return false
	}
	a.ResourceIndexHash = ""
	b.ResourceIndexHash = ""
	return a == b
}
