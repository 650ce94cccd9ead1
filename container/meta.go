package container

import (
	"encoding/json"
	"fmt"
)

// externalURLFromMeta pulls the external_url field stamped in by
// canonicalizeWithExternalURL back out of a stored meta blob.
func externalURLFromMeta(metaBytes []byte) (string, error) {
	var obj map[string]any
	if err := json.Unmarshal(metaBytes, &obj); err != nil {
		return "", fmt.Errorf("container: decode external meta: %w", err)
	}
	url, ok := obj["external_url"].(string)
	if !ok || url == "" {
		return "", fmt.Errorf("container: external entry missing external_url")
	}
	return url, nil
}
