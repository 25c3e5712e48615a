package stores

import (
	"canvas-collab/config"
	"canvas-collab/core"
	"canvas-collab/stores/aws"
	"canvas-collab/stores/filesystem"
	"canvas-collab/stores/memory"
	"canvas-collab/stores/sqlite"
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// GetStore opens the storage backend selected by cfg.StorageType.
func GetStore(ctx context.Context, cfg *config.Config) (core.Store, error) {
	var (
		store core.Store
		err   error
	)

	storageField := logrus.Fields{
		"storageType": cfg.StorageType,
	}

	switch cfg.StorageType {
	case "filesystem":
		storageField["basePath"] = cfg.LocalStoragePath
		store, err = filesystem.NewStore(cfg.LocalStoragePath)
	case "sqlite":
		storageField["dataSourceName"] = cfg.DataSourceName
		storageField["cgo"] = sqlite.CGOEnabled
		store, err = sqlite.NewStore(cfg.DataSourceName)
	case "s3":
		storageField["bucketName"] = cfg.S3BucketName
		store, err = aws.NewStore(ctx, cfg.S3BucketName)
	case "memory", "":
		store = memory.NewStore()
		storageField["storageType"] = "in-memory"
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.StorageType)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.StorageType, err)
	}

	logrus.WithFields(storageField).Info("Use storage")
	return store, nil
}
