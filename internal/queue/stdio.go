package queue

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// envelope is one stdio line. Value must itself be JSON; Key is 0x-hex.
type envelope struct {
	Topic string          `json:"topic"`
	Key   hexutil.Bytes   `json:"key,omitempty"`
	Value json.RawMessage `json:"value"`
}

type stdioConsumer struct {
	msgCh chan Message
	errCh chan error

	cancel context.CancelFunc
	once   sync.Once
}

func newStdioConsumer(parent context.Context, cfg ConsumerConfig) (Consumer, error) {
	reader := cfg.Reader
	if reader == nil {
		reader = os.Stdin
	}
	maxLineBytes := cfg.MaxLineBytes
	if maxLineBytes <= 0 {
		maxLineBytes = defaultMaxLineBytes
	}
	topics := normalizeList(cfg.Topics)

	ctx, cancel := context.WithCancel(parent)
	c := &stdioConsumer{
		msgCh:  make(chan Message, 64),
		errCh:  make(chan error, 8),
		cancel: cancel,
	}
	go func() {
		defer close(c.msgCh)
		defer close(c.errCh)

		sc := bufio.NewScanner(reader)
		sc.Buffer(make([]byte, 1024), maxLineBytes)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			msg := parseLine([]byte(line))
			if !topicAllowed(topics, msg.Topic) {
				continue
			}
			select {
			case c.msgCh <- msg:
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			select {
			case c.errCh <- err:
			case <-ctx.Done():
			}
		}
	}()
	return c, nil
}

// parseLine accepts an envelope or, failing that, a bare payload line.
func parseLine(line []byte) Message {
	var env envelope
	if err := json.Unmarshal(line, &env); err == nil && env.Topic != "" && len(env.Value) > 0 {
		return Message{
			Topic:     env.Topic,
			Key:       append([]byte(nil), env.Key...),
			Value:     append([]byte(nil), env.Value...),
			Timestamp: time.Now().UTC(),
		}
	}
	return Message{
		Value:     append([]byte(nil), line...),
		Timestamp: time.Now().UTC(),
	}
}

func topicAllowed(topics []string, topic string) bool {
	if len(topics) == 0 || topic == "" {
		return true
	}
	for _, t := range topics {
		if t == topic {
			return true
		}
	}
	return false
}

func (c *stdioConsumer) Messages() <-chan Message { return c.msgCh }
func (c *stdioConsumer) Errors() <-chan error     { return c.errCh }

func (c *stdioConsumer) Close() error {
	c.once.Do(c.cancel)
	return nil
}

type stdioProducer struct {
	w io.Writer
	m sync.Mutex
}

func newStdioProducer(cfg ProducerConfig) Producer {
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	return &stdioProducer{w: w}
}

func (p *stdioProducer) Publish(_ context.Context, topic string, key, payload []byte) error {
	if !json.Valid(payload) {
		return fmt.Errorf("%w: stdio payload must be JSON", ErrInvalidConfig)
	}
	line, err := json.Marshal(envelope{Topic: topic, Key: key, Value: payload})
	if err != nil {
		return err
	}

	p.m.Lock()
	defer p.m.Unlock()
	_, err = p.w.Write(append(line, '\n'))
	return err
}

func (p *stdioProducer) Close() error {
	return nil
}
