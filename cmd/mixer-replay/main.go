package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/solanon/mixer/internal/events"
	"github.com/solanon/mixer/internal/queue"
)

type stringListFlag []string

func (f *stringListFlag) String() string {
	if f == nil {
		return ""
	}
	return strings.Join(*f, ",")
}

func (f *stringListFlag) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return errors.New("value must not be empty")
	}
	*f = append(*f, v)
	return nil
}

func main() {
	if err := runMain(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// runMain republishes archived mixer events. Each payload is routed to the
// topic of its version and keyed like the original publish.
func runMain(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	var payloadFiles stringListFlag
	fs := flag.NewFlagSet("mixer-replay", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	queueDriver := fs.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
	queueBrokers := fs.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
	depositTopic := fs.String("deposit-topic", events.DefaultDepositTopic, "deposit event topic")
	withdrawalTopic := fs.String("withdrawal-topic", events.DefaultWithdrawalTopic, "withdrawal event topic")
	routeTopic := fs.String("route-topic", events.DefaultRouteTopic, "route event topic")
	payload := fs.String("payload", "", "inline event payload")
	fs.Var(&payloadFiles, "payload-file", "archived event file path (repeatable)")
	skipInvalid := fs.Bool("skip-invalid", false, "report and skip payloads that are not mixer events")

	if err := fs.Parse(args); err != nil {
		return err
	}

	payloads, err := loadPayloads(strings.TrimSpace(*payload), payloadFiles, stdin)
	if err != nil {
		return err
	}

	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:  *queueDriver,
		Brokers: queue.SplitCommaList(*queueBrokers),
		Writer:  stdout,
	})
	if err != nil {
		return err
	}
	defer func() { _ = producer.Close() }()

	pub, err := events.NewPublisher(producer, events.Topics{
		Deposits:    *depositTopic,
		Withdrawals: *withdrawalTopic,
		Routes:      *routeTopic,
	}, nil)
	if err != nil {
		return err
	}

	ctx := context.Background()
	for i, p := range payloads {
		if _, err := pub.Republish(ctx, p); err != nil {
			if *skipInvalid && errors.Is(err, events.ErrInvalidEvent) {
				fmt.Fprintf(stderr, "skip payload %d: %v\n", i, err)
				continue
			}
			return fmt.Errorf("payload %d: %w", i, err)
		}
	}
	return nil
}

// loadPayloads reads inline and file payloads, falling back to stdin with one
// event per line.
func loadPayloads(payloadInline string, payloadFiles []string, stdin io.Reader) ([][]byte, error) {
	payloads := make([][]byte, 0, len(payloadFiles)+1)
	if payloadInline != "" {
		payloads = append(payloads, []byte(payloadInline))
	}
	for _, filePath := range payloadFiles {
		b, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("read payload file %q: %w", filePath, err)
		}
		payloads = append(payloads, b)
	}
	if len(payloads) > 0 {
		return payloads, nil
	}
	if stdin == nil {
		return nil, errors.New("payload is required via --payload, --payload-file, or stdin")
	}
	sc := bufio.NewScanner(stdin)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		payloads = append(payloads, append([]byte(nil), line...))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read stdin payload: %w", err)
	}
	if len(payloads) == 0 {
		return nil, errors.New("payload is required via --payload, --payload-file, or stdin")
	}
	return payloads, nil
}
