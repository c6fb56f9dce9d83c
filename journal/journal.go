// Package journal publishes delivered-message events to kafka for
// downstream consumers (archival, analytics). Publication is asynchronous
// and best effort: a broker outage never fails or delays a send.
package journal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/golang/glog"
	kafka "github.com/segmentio/kafka-go"

	"github.com/edupush/edupush/wire"
)

const (
	writeTimeout = 3 * time.Second
	queueSize    = 256
)

type IKafkaWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

type Journal struct {
	writer IKafkaWriter
	queue  chan *wire.Message
}

func New(brokers []string, topic string) *Journal {
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Topic:    topic,
		Balancer: &kafka.Hash{},
		Dialer: &kafka.Dialer{
			Timeout:   writeTimeout,
			DualStack: true,
		},
	})
	return NewWithWriter(writer)
}

func NewWithWriter(writer IKafkaWriter) *Journal {
	return &Journal{
		writer: writer,
		queue:  make(chan *wire.Message, queueSize),
	}
}

// Publish enqueues the message for publication. Never blocks: when the
// queue is full the event is dropped with a log line.
func (j *Journal) Publish(msg *wire.Message) {
	select {
	case j.queue <- msg:
	default:
		glog.Errorf("journal: queue full, dropped message %d", msg.Id)
	}
}

// Run drains the queue until ctx is canceled, then flushes what is left
// and signals stopDoneNotifyC.
func (j *Journal) Run(ctx context.Context, stopDoneNotifyC chan<- struct{}) {
	defer func() {
		for {
			select {
			case msg := <-j.queue:
				j.write(msg)
			default:
				if err := j.writer.Close(); err != nil {
					glog.Errorf("journal: close writer err: %v", err)
				}
				glog.Infof("journal stopped")
				stopDoneNotifyC <- struct{}{}
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-j.queue:
			j.write(msg)
		}
	}
}

func (j *Journal) write(msg *wire.Message) {
	value, err := json.Marshal(msg)
	if err != nil {
		glog.Errorf("journal: marshal message %d err: %v", msg.Id, err)
		return
	}

	// Key by the unordered pair so one conversation lands in one partition.
	var key [8]byte
	a, b := msg.SenderId, msg.ReceiverId
	if a > b {
		a, b = b, a
	}
	binary.BigEndian.PutUint32(key[:4], uint32(a))
	binary.BigEndian.PutUint32(key[4:], uint32(b))

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := j.writer.WriteMessages(ctx, kafka.Message{Key: key[:], Value: value}); err != nil {
		glog.Errorf("journal: write message %d err: %v", msg.Id, err)
	}
}
