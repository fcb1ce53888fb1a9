package memory

import (
	"testing"

	"pricerefresh/internal/store"
	"pricerefresh/internal/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.Store { return New() })
}
