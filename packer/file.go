package packer

import "os"

// readWholeFile reads a finalized container off disk for upload. Containers
// are capped by max_container_bytes (spec §4.9), so reading one whole into
// memory before the single archive PUT is bounded and deliberate.
func readWholeFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}
