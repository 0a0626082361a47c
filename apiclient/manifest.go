package apiclient

// Keys that together identify the placeholder manifest a development bundler
// serves when a request meant for the API is routed to it instead.
var devServerManifestKeys = []string{"id", "runtimeVersion", "launchAsset"}

// looksLikeDevServerManifest reports whether a decoded JSON body is a dev-server
// manifest rather than an API response. Retrying such a request cannot help.
func looksLikeDevServerManifest(data any) bool {
	obj, ok := data.(map[string]any)
	if !ok {
		return false
	}
	for _, key := range devServerManifestKeys {
		if _, present := obj[key]; !present {
			return false
		}
	}
	return true
}
