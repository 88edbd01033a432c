//go:build !wasm
// +build !wasm

package gae_test

import (
	"context"
	"os"
	"testing"

	"cloud.google.com/go/datastore"
	"github.com/google/uuid"
	"github.com/panyam/masterauth/stores/gae"
	"github.com/panyam/masterauth/stores/storetest"
	"github.com/stretchr/testify/require"
)

// Runs against the Datastore emulator when DATASTORE_EMULATOR_HOST is set.
func TestDatastoreUserStore(t *testing.T) {
	if os.Getenv("DATASTORE_EMULATOR_HOST") == "" {
		t.Skip("DATASTORE_EMULATOR_HOST not set")
	}
	ctx := context.Background()
	client, err := datastore.NewClient(ctx, "masterauth-test")
	require.NoError(t, err)
	defer client.Close()

	// A fresh namespace per run keeps runs independent.
	storetest.RunUserStoreTests(t, gae.NewUserStore(client, "test-"+uuid.NewString()[:8]))
}
