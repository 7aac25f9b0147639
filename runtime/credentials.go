package runtime

import "strings"

// ScopeCredentials narrows a flat credential map to the subset relevant to
// one integration. Keys of the form "<integrationID>_<name>" are rewritten to
// "<name>"; keys carrying no integration prefix at all (no underscore) pass
// through unchanged; keys prefixed for other integrations are dropped so one
// integration's secrets never reach another step's generated code context.
func ScopeCredentials(credentials map[string]string, integrationID string) map[string]string {
	scoped := make(map[string]string, len(credentials))
	prefix := integrationID + "_"

	for key, value := range credentials {
		switch {
		case integrationID != "" && strings.HasPrefix(key, prefix) && len(key) > len(prefix):
			scoped[strings.TrimPrefix(key, prefix)] = value
		case !strings.Contains(key, "_"):
			scoped[key] = value
		}
	}

	return scoped
}
