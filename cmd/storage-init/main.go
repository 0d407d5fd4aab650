package main

import (
	"context"
	"errors"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"farmcorner/config"
	"farmcorner/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("storage init starting")

	if cfg.StorageConnectionString == "" {
		log.Fatal("missing STORAGE_CONNECTION_STRING")
	}

	ctx := context.Background()

	if err := createTables(ctx, cfg.StorageConnectionString, []string{cfg.CollectionsTable}); err != nil {
		log.Fatalf("create tables: %v", err)
	}
	if err := createQueues(ctx, cfg.StorageConnectionString, []string{cfg.ChangeQueue}); err != nil {
		log.Fatalf("create queues: %v", err)
	}

	if cfg.PublicEnabled() {
		public, err := storage.NewPublicStore(cfg.PublicEndpoint, cfg.PublicAccessKey, cfg.PublicSecretKey,
			cfg.PublicBucket, cfg.PublicUseTLS, cfg.PublicBaseURL, log.StandardLogger())
		if err != nil {
			log.Fatalf("public store: %v", err)
		}
		if err := public.EnsureBucket(ctx); err != nil {
			log.Fatalf("create bucket %s: %v", cfg.PublicBucket, err)
		}
	} else {
		log.Info("public bucket not configured, skipping")
	}

	log.Info("storage init complete")
}

func createTables(ctx context.Context, connStr string, names []string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		_, err := svc.NewClient(name).CreateTable(ctx, nil)
		if err != nil && !alreadyExists(err, string(aztables.TableAlreadyExists)) {
			return err
		}
		log.Infof("table ready: %s", name)
	}
	return nil
}

func createQueues(ctx context.Context, connStr string, names []string) error {
	for _, name := range names {
		if name == "" {
			continue
		}
		q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
		if err != nil {
			return err
		}
		if _, err := q.Create(ctx, nil); err != nil && !alreadyExists(err, "QueueAlreadyExists") {
			return err
		}
		log.Infof("queue ready: %s", name)
	}
	return nil
}

func alreadyExists(err error, code string) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.ErrorCode == code
}
