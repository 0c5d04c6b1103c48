package kafka

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// Logical queue topics and their dead-letter counterparts.
const (
	TopicScoreJobs  = "score-jobs"
	TopicReportJobs = "report-jobs"
	dlqSuffix       = "-dlq"
)

// ensureTopic creates a topic via the admin API, treating "already exists" as
// success.
func ensureTopic(ctx context.Context, client *kgo.Client, topic string, partitions int32) error {
	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000

	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = 1
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("op=kafka.ensureTopic: %w", err)
	}
	createResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("op=kafka.ensureTopic: unexpected response type %T", resp)
	}
	for _, tr := range createResp.Topics {
		if tr.ErrorCode != 0 {
			// 36 = TOPIC_ALREADY_EXISTS
			if tr.ErrorCode == 36 {
				continue
			}
			msg := ""
			if tr.ErrorMessage != nil {
				msg = *tr.ErrorMessage
			}
			return fmt.Errorf("op=kafka.ensureTopic: %s (code %d)", msg, tr.ErrorCode)
		}
		slog.Info("topic created", slog.String("topic", tr.Topic))
	}
	return nil
}

// ensureAllTopics creates both job topics and their dead-letter topics.
func ensureAllTopics(ctx context.Context, client *kgo.Client) error {
	for _, t := range []string{TopicScoreJobs, TopicReportJobs, TopicScoreJobs + dlqSuffix, TopicReportJobs + dlqSuffix} {
		if err := ensureTopic(ctx, client, t, 4); err != nil {
			return err
		}
	}
	return nil
}
