package memory

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/mcoot/clanharvest/internal/storage"
	"github.com/mcoot/clanharvest/internal/storage/storagetest"
)

func TestStorageSuite(t *testing.T) {
	suite.Run(t, &storagetest.Suite{
		NewStorage: func(t *testing.T) storage.Storage { return New() },
	})
}
