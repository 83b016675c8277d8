package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/streadway/amqp"

	"dispatchd/pkg/logx"
)

// AMQPConfig points the relay at a RabbitMQ fanout exchange.
type AMQPConfig struct {
	URL      string
	Exchange string
	Buffer   int
}

// channel is the subset of *amqp.Channel the relay needs.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type dialFunc func(url string) (channel, func() error, error)

// AMQPRelay forwards every bus event to a fanout exchange so dashboards in
// other processes see live chat and campaign updates.
type AMQPRelay struct {
	cfg  AMQPConfig
	bus  Bus
	log  logx.Logger
	dial dialFunc
}

func NewAMQPRelay(cfg AMQPConfig, bus Bus, log logx.Logger) *AMQPRelay {
	if cfg.Exchange == "" {
		cfg.Exchange = "dispatchd.events"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	return &AMQPRelay{cfg: cfg, bus: bus, log: log.With(logx.String("comp", "eventbus.amqp")), dial: dialAMQP}
}

func dialAMQP(url string) (channel, func() error, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return ch, conn.Close, nil
}

// Run relays events until ctx is done. A broker failure returns an error so
// the caller's restart loop can reconnect.
func (r *AMQPRelay) Run(ctx context.Context) error {
	if r.cfg.URL == "" {
		return errors.New("eventbus: amqp url is empty")
	}
	ch, closeConn, err := r.dial(r.cfg.URL)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	defer func() {
		_ = ch.Close()
		if closeConn != nil {
			_ = closeConn()
		}
	}()

	if err := ch.ExchangeDeclare(r.cfg.Exchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("amqp exchange declare: %w", err)
	}

	events, unsub := r.bus.Subscribe(r.cfg.Buffer)
	defer unsub()
	r.log.Info("amqp relay connected", logx.String("exchange", r.cfg.Exchange))

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			body, err := json.Marshal(e)
			if err != nil {
				r.log.Warn("event not serializable", logx.String("type", e.Type), logx.Err(err))
				continue
			}
			err = ch.Publish(r.cfg.Exchange, e.Type, false, false, amqp.Publishing{
				ContentType: "application/json",
				Type:        e.Type,
				Timestamp:   e.Time,
				Body:        body,
			})
			if err != nil {
				return fmt.Errorf("amqp publish: %w", err)
			}
		}
	}
}
