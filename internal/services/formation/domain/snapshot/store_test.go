package snapshot_test

import (
	"testing"

	"github.com/louisbranch/formation/internal/services/formation/domain/snapshot"
	"github.com/louisbranch/formation/internal/services/formation/domain/snapshot/snapshottest"
)

func TestMemoryStoreContract(t *testing.T) {
	snapshottest.Run(t, func(t *testing.T) snapshot.Store {
		return snapshot.NewMemory()
	})
}
