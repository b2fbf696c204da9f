package worker

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	wmamaqp "github.com/ThreeDotsLabs/watermill-amqp/pkg/amqp"
	wmkafka "github.com/ThreeDotsLabs/watermill-kafka/pkg/kafka"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/pkg/nats"
	wmsql "github.com/ThreeDotsLabs/watermill-sql/pkg/sql"
	"github.com/ThreeDotsLabs/watermill/message"
	stan "github.com/nats-io/stan.go"

	// database/sql drivers for the sql transport.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)

// Transport pairs a publisher and a subscriber over the same broker.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes both sides. A shared gochannel is closed once.
func (t *Transport) Close() error {
	var err error
	if t.Publisher != nil {
		err = t.Publisher.Close()
	}
	if t.Subscriber != nil && any(t.Subscriber) != any(t.Publisher) {
		err = errors.Join(err, t.Subscriber.Close())
	}
	return err
}

// OpenTransport builds the subscriber for cfg and a publisher on its primary
// driver. For gochannel both sides are the same in-process pub/sub, so
// requests published here reach this process's worker.
func OpenTransport(cfg SubscriberConfig, logger *slog.Logger) (*Transport, error) {
	wmLogger := NewWatermillLogger(logger)
	if cfg.PrimaryDriver() == "gochannel" && len(uniqueStrings(cfg.Drivers)) <= 1 {
		ch := newGoChannel(cfg, wmLogger)
		return &Transport{Publisher: ch, Subscriber: ch}, nil
	}

	sub, err := BuildSubscriber(cfg, logger)
	if err != nil {
		return nil, err
	}
	pub, err := BuildPublisher(cfg, logger)
	if err != nil {
		_ = sub.Close()
		return nil, err
	}
	return &Transport{Publisher: pub, Subscriber: sub}, nil
}

// BuildPublisher creates a publisher on cfg's primary driver. A gochannel
// publisher built here is unconnected to any subscriber; use OpenTransport
// for in-process delivery.
func BuildPublisher(cfg SubscriberConfig, logger *slog.Logger) (message.Publisher, error) {
	wmLogger := NewWatermillLogger(logger)
	driver := cfg.PrimaryDriver()
	return retryBuild(func() (message.Publisher, error) {
		return buildSinglePublisher(cfg, wmLogger, driver)
	})
}

func buildSinglePublisher(cfg SubscriberConfig, logger watermill.LoggerAdapter, driver string) (message.Publisher, error) {
	switch strings.ToLower(driver) {
	case "gochannel":
		return newGoChannel(cfg, logger), nil
	case "kafka":
		if len(cfg.Kafka.Brokers) == 0 {
			return nil, errors.New("kafka brokers are required")
		}
		return wmkafka.NewPublisher(cfg.Kafka.Brokers, wmkafka.DefaultMarshaler{}, nil, logger)
	case "nats":
		if cfg.NATS.ClusterID == "" || cfg.NATS.ClientID == "" {
			return nil, errors.New("nats cluster_id and client_id are required")
		}
		natsCfg := wmnats.StreamingPublisherConfig{
			ClusterID: cfg.NATS.ClusterID,
			ClientID:  cfg.NATS.ClientID + "-publisher",
			Marshaler: wmnats.GobMarshaler{},
		}
		if cfg.NATS.URL != "" {
			natsCfg.StanOptions = append(natsCfg.StanOptions, stan.NatsURL(cfg.NATS.URL))
		}
		return wmnats.NewStreamingPublisher(natsCfg, logger)
	case "amqp":
		if cfg.AMQP.URL == "" {
			return nil, errors.New("amqp url is required")
		}
		amqpCfg, err := amqpConfigFromMode(cfg.AMQP.URL, cfg.AMQP.Mode)
		if err != nil {
			return nil, err
		}
		return wmamaqp.NewPublisher(amqpCfg, logger)
	case "sql":
		if cfg.SQL.Driver == "" || cfg.SQL.DSN == "" {
			return nil, errors.New("sql driver and dsn are required")
		}
		schemaAdapter, _, err := sqlAdapters(cfg.SQL.Dialect)
		if err != nil {
			return nil, err
		}
		db, err := sql.Open(cfg.SQL.Driver, cfg.SQL.DSN)
		if err != nil {
			return nil, err
		}
		pub, err := wmsql.NewPublisher(db, wmsql.PublisherConfig{
			SchemaAdapter:        schemaAdapter,
			AutoInitializeSchema: cfg.SQL.AutoInitializeSchema || cfg.SQL.InitializeSchema,
		}, logger)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return &closingPublisher{Publisher: pub, closeFn: db.Close}, nil
	default:
		return nil, fmt.Errorf("unsupported publisher driver: %s", driver)
	}
}

type closingPublisher struct {
	message.Publisher
	closeFn func() error
}

func (c *closingPublisher) Close() error {
	return errors.Join(c.Publisher.Close(), c.closeFn())
}
