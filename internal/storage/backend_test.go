package storage

import (
	"strings"
	"testing"
)

func TestEntityKeys(t *testing.T) {
	e := Entity{NodeID: "node-1", ContentUUID: "content-1"}

	if got := e.Key(); got != "node-1/content-1" {
		t.Errorf("Key: %q", got)
	}
	if got := e.AssetKey("thumbnail"); got != "node-1/_assets/content-1/thumbnail" {
		t.Errorf("AssetKey: %q", got)
	}
}

func TestAssetKeyDoesNotNestUnderMainKey(t *testing.T) {
	// On filesystem backends the main key is a regular file; an asset key
	// prefixed by it could never be created.
	e := Entity{NodeID: "n", ContentUUID: "c"}
	if asset := e.AssetKey("k"); strings.HasPrefix(asset, e.Key()+"/") {
		t.Errorf("asset key %q nests under main key %q", asset, e.Key())
	}
}
