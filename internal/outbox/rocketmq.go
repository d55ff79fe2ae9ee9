package outbox

import (
	"context"
	"fmt"

	rmq "github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/apache/rocketmq-client-go/v2/producer"
)

type RocketMQOptions struct {
	NameServer string
	Group      string
	Topic      string
	Tag        string
}

type RocketMQProducer struct {
	opt RocketMQOptions
	p   rmq.Producer
}

func NewRocketMQ(opt RocketMQOptions) (*RocketMQProducer, error) {
	if opt.NameServer == "" {
		return nil, fmt.Errorf("rocketmq: missing name-server")
	}
	if opt.Group == "" {
		return nil, fmt.Errorf("rocketmq: missing producer group")
	}
	if opt.Topic == "" {
		return nil, fmt.Errorf("rocketmq: missing topic")
	}
	prd, err := rmq.NewProducer(
		producer.WithNameServer([]string{opt.NameServer}),
		producer.WithGroupName(opt.Group),
		producer.WithRetry(2),
	)
	if err != nil {
		return nil, err
	}
	if err := prd.Start(); err != nil {
		return nil, err
	}
	return &RocketMQProducer{opt: opt, p: prd}, nil
}

func (r *RocketMQProducer) Publish(ctx context.Context, key string, body []byte) error {
	m := primitive.NewMessage(r.opt.Topic, body)
	if r.opt.Tag != "" {
		m.WithTag(r.opt.Tag)
	}
	if key != "" {
		m.WithKeys([]string{key})
	}
	_, err := r.p.SendSync(ctx, m)
	return err
}

func (r *RocketMQProducer) Close() error {
	if r.p != nil {
		return r.p.Shutdown()
	}
	return nil
}
