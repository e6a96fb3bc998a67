package mailsync

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/staysync_backend/config"
	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"
)

// PubSubPushEnvelope is the push-delivery wrapper Google sends to the
// endpoint; Data is base64-decoded by encoding/json into the byte slice.
type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// PublishScanRun enqueues one scan run for asynchronous processing.
func PublishScanRun(ctx context.Context, payload ScanRunPayload) error {
	topicName := strings.TrimSpace(os.Getenv("MAIL_SCAN_TOPIC"))
	if topicName == "" {
		topicName = "mail-scan"
	}

	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}

	topic := client.Topic(topicName)
	if envBoolDefault("MAIL_SCAN_CREATE_TOPIC", false) {
		topic, err = config.CreateTopicIfNotExists(client, topicName)
		if err != nil {
			return err
		}
	}

	data, _ := json.Marshal(payload)
	res := topic.Publish(ctx, &pubsub.Message{Data: data})
	_, err = res.Get(ctx)
	return err
}

// PubSubPushHandler accepts push deliveries. It always answers 204: a retryable
// failure inside the run is the session's problem, not the subscription's.
func PubSubPushHandler(worker *Worker) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !envBoolDefault("ENABLE_MAIL_SCAN_PUSH_ENDPOINT", true) {
			c.Status(204)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(204)
			return
		}

		var payload ScanRunPayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			c.Status(204)
			return
		}
		if payload.HostId == "" || payload.ScanYear == 0 {
			c.Status(204)
			return
		}

		_ = worker.ProcessScanRun(c.Request.Context(), payload)
		c.Status(204)
	}
}

func envBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}
