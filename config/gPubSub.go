package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/joho/godotenv"
	"google.golang.org/api/option"
)

// FiscalEventMessage is the payload carried on the fiscal events topic.
// Upstream collaborators (ordering, refunds) publish one per finalized
// fiscal event; the fiscal pipeline consumes it via the push endpoint.
type FiscalEventMessage struct {
	BusinessId    string          `json:"business_id"`
	BranchId      int             `json:"branch_id"`
	ReferenceType string          `json:"reference_type"`
	ReferenceId   int             `json:"reference_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationId string          `json:"correlation_id"`
}

// FiscalOutcomeMessage is published (best-effort, after commit) once a
// transaction is confirmed by the authority so dashboards can react.
type FiscalOutcomeMessage struct {
	BusinessId     string    `json:"business_id"`
	BranchId       int       `json:"branch_id"`
	ReferenceType  string    `json:"reference_type"`
	ReferenceId    int       `json:"reference_id"`
	ConfirmationId string    `json:"confirmation_id"`
	SubmittedAt    time.Time `json:"submitted_at"`
	CorrelationId  string    `json:"correlation_id"`
}

var (
	pubsubClient   *pubsub.Client
	pubsubClientMu sync.Mutex
)

func init() {
	// Load env from .env
	godotenv.Load()
}

func getPubSubProjectID() string {
	// Prefer explicit override.
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		return v
	}
	// Cloud Run/Cloud Functions often set this.
	if v := os.Getenv("GOOGLE_CLOUD_PROJECT"); v != "" {
		return v
	}
	// Common fallback.
	if v := os.Getenv("GCP_PROJECT"); v != "" {
		return v
	}
	return ""
}

func getPubSubClient(ctx context.Context) (*pubsub.Client, error) {
	pubsubClientMu.Lock()
	if pubsubClient != nil {
		c := pubsubClient
		pubsubClientMu.Unlock()
		return c, nil
	}
	pubsubClientMu.Unlock()

	projectID := getPubSubProjectID()
	if projectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}

	credJSON := os.Getenv("PUBSUB_CREDENTIALS_JSON")

	var attempt int
	for {
		attempt++

		var (
			c   *pubsub.Client
			err error
		)
		if credJSON != "" {
			c, err = pubsub.NewClient(ctx, projectID, option.WithCredentialsJSON([]byte(credJSON)))
		} else {
			// Uses Application Default Credentials (Cloud Run service account or GOOGLE_APPLICATION_CREDENTIALS).
			c, err = pubsub.NewClient(ctx, projectID)
		}
		if err == nil {
			pubsubClientMu.Lock()
			if pubsubClient == nil {
				pubsubClient = c
			} else {
				// Another goroutine won the race; close ours.
				_ = c.Close()
			}
			c2 := pubsubClient
			pubsubClientMu.Unlock()

			log.Printf("pubsub client ready (project_id=%s attempt=%d)", projectID, attempt)
			return c2, nil
		}

		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		log.Printf("failed to init pubsub client (project_id=%s attempt=%d): %v; retrying in %s", projectID, attempt, err, sleep)

		// Publishers call this with short deadlines; stop retrying once
		// the caller's context is gone instead of sleeping past it.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// resolveTopic returns a handle on the named topic, creating it first
// when PUBSUB_AUTO_CREATE_TOPICS=true (local emulator and fresh
// environments; production topics are provisioned out of band).
func resolveTopic(client *pubsub.Client, topicName string) (*pubsub.Topic, error) {
	if strings.EqualFold(strings.TrimSpace(os.Getenv("PUBSUB_AUTO_CREATE_TOPICS")), "true") {
		return CreateTopicIfNotExists(client, topicName)
	}
	return client.Topic(topicName), nil
}

// PublishFiscalOutcome publishes a confirmation event and returns the
// Pub/Sub server-assigned message ID. Callers treat failures as
// best-effort (logged, never blocking the fiscal flow).
func PublishFiscalOutcome(ctx context.Context, msg FiscalOutcomeMessage) (string, error) {
	client, err := getPubSubClient(ctx)
	if err != nil {
		return "", err
	}

	topicName := os.Getenv("PUBSUB_FISCAL_OUTCOME_TOPIC")
	if topicName == "" {
		return "", errors.New("PUBSUB_FISCAL_OUTCOME_TOPIC is required")
	}

	t, err := resolveTopic(client, topicName)
	if err != nil {
		return "", err
	}
	msgJSON, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	result := t.Publish(ctx, &pubsub.Message{
		Data: msgJSON,
	})

	id, err := result.Get(ctx)
	return id, err
}

// PublishFiscalEvent is used by internal tooling (and tests against the
// emulator) to feed the pipeline the same way upstream services do.
func PublishFiscalEvent(msg FiscalEventMessage) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := getPubSubClient(ctx)
	if err != nil {
		return err
	}

	topicName := os.Getenv("PUBSUB_FISCAL_EVENT_TOPIC")
	if topicName == "" {
		return errors.New("PUBSUB_FISCAL_EVENT_TOPIC is required")
	}

	t, err := resolveTopic(client, topicName)
	if err != nil {
		return err
	}
	msgJSON, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	result := t.Publish(ctx, &pubsub.Message{Data: msgJSON})
	_, err = result.Get(ctx)
	return err
}

func CreateTopicIfNotExists(c *pubsub.Client, topic string) (*pubsub.Topic, error) {
	if c == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}

	ctx := context.Background()
	t := c.Topic(topic)
	ok, err := t.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		return t, nil
	}
	t, err = c.CreateTopic(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("create topic %q: %w", topic, err)
	}
	return t, nil
}
