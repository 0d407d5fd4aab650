package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
)

const (
	edmInt32 = "Edm.Int32"
	edmInt64 = "Edm.Int64"

	// Table string properties hold at most 32K UTF-16 code units; collections
	// are split across numbered Value properties below that limit.
	chunkSize = 30 * 1024
	maxChunks = 30
)

// ErrCollectionTooLarge is returned when a collection does not fit one entity.
var ErrCollectionTooLarge = errors.New("collection exceeds remote entity size")

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// Storage provides access to the Azure table holding collections and the
// queue receiving change notifications.
type Storage struct {
	readTable   *aztables.Client
	writeTable  *aztables.Client
	changeQueue queueClient
}

// New creates a Storage instance from the given connection string. The
// change queue is optional.
func New(connStr, collectionsTable, changeQueue string) (*Storage, error) {
	readOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Second * 20,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	readSvc, err := aztables.NewServiceClientFromConnectionString(connStr, &readOptions)
	if err != nil {
		return nil, err
	}
	// Writes get exactly one attempt; the next sync reconciles.
	writeOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{MaxRetries: -1, TryTimeout: time.Second * 20},
		},
	}
	writeSvc, err := aztables.NewServiceClientFromConnectionString(connStr, &writeOptions)
	if err != nil {
		return nil, err
	}
	s := &Storage{
		readTable:  readSvc.NewClient(collectionsTable),
		writeTable: writeSvc.NewClient(collectionsTable),
	}
	if changeQueue != "" {
		queueClientOptions := azqueue.ClientOptions{
			ClientOptions: azcore.ClientOptions{
				Retry: policy.RetryOptions{
					MaxRetries:    5,
					TryTimeout:    time.Minute,
					RetryDelay:    time.Second * 1,
					MaxRetryDelay: time.Second * 60,
					StatusCodes:   []int{408, 429, 500, 502, 503, 504},
				},
			},
		}
		cq, err := azqueue.NewQueueClientFromConnectionString(connStr, changeQueue, &queueClientOptions)
		if err != nil {
			return nil, err
		}
		s.changeQueue = cq
	}
	return s, nil
}

// FetchCollection returns the raw collection stored for userID under key.
// found is false when no entity exists.
func (s *Storage) FetchCollection(ctx context.Context, userID, key string) (raw string, found bool, err error) {
	ent, err := s.readTable.GetEntity(ctx, userID, key, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 404 {
			return "", false, nil
		}
		return "", false, err
	}
	raw, _, err = decodeCollectionEntity(ent.Value)
	if err != nil {
		return "", false, err
	}
	return raw, true, nil
}

// PutCollection replaces the collection stored for userID under key.
func (s *Storage) PutCollection(ctx context.Context, userID, key, raw string, updatedAt time.Time) error {
	ent, err := encodeCollectionEntity(userID, key, raw, updatedAt)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.writeTable.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	return err
}

// EnqueueChange sends a change envelope to the change queue, if configured.
func (s *Storage) EnqueueChange(ctx context.Context, env ChangeEnvelope) error {
	if s.changeQueue == nil {
		return nil
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = s.changeQueue.EnqueueMessage(ctx, string(data), nil)
	return err
}

func encodeCollectionEntity(userID, key, raw string, updatedAt time.Time) (map[string]any, error) {
	chunks := splitChunks(raw, chunkSize)
	if len(chunks) > maxChunks {
		return nil, fmt.Errorf("%w: %d bytes", ErrCollectionTooLarge, len(raw))
	}
	ent := map[string]any{
		"PartitionKey":         userID,
		"RowKey":               key,
		"Chunks":               len(chunks),
		"Chunks@odata.type":    edmInt32,
		"UpdatedAt":            strconv.FormatInt(updatedAt.UnixNano(), 10),
		"UpdatedAt@odata.type": edmInt64,
	}
	for i, c := range chunks {
		ent[chunkProperty(i)] = c
	}
	return ent, nil
}

func decodeCollectionEntity(data []byte) (string, time.Time, error) {
	var props map[string]json.RawMessage
	if err := json.Unmarshal(data, &props); err != nil {
		return "", time.Time{}, err
	}
	var n int
	if v, ok := props["Chunks"]; ok {
		if err := json.Unmarshal(v, &n); err != nil {
			return "", time.Time{}, fmt.Errorf("decode chunk count: %w", err)
		}
	}
	var updated time.Time
	if v, ok := props["UpdatedAt"]; ok {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			if ns, err := strconv.ParseInt(s, 10, 64); err == nil {
				updated = time.Unix(0, ns).UTC()
			}
		}
	}
	buf := make([]byte, 0, n*chunkSize)
	for i := 0; i < n; i++ {
		v, ok := props[chunkProperty(i)]
		if !ok {
			return "", time.Time{}, fmt.Errorf("missing chunk %d", i)
		}
		var part string
		if err := json.Unmarshal(v, &part); err != nil {
			return "", time.Time{}, fmt.Errorf("decode chunk %d: %w", i, err)
		}
		buf = append(buf, part...)
	}
	return string(buf), updated, nil
}

func chunkProperty(i int) string {
	return fmt.Sprintf("Value%02d", i)
}

// splitChunks splits s into pieces of at most size bytes without cutting a
// UTF-8 sequence.
func splitChunks(s string, size int) []string {
	if s == "" {
		return []string{""}
	}
	var out []string
	for len(s) > size {
		cut := size
		for cut > 0 && !isRuneStart(s[cut]) {
			cut--
		}
		if cut == 0 {
			cut = size
		}
		out = append(out, s[:cut])
		s = s[cut:]
	}
	return append(out, s)
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
