package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"github.com/duel-arena/internal/domain"
)

func main() {
	brokers := flag.String("brokers", "localhost:9092", "Kafka brokers (comma-separated)")
	topic := flag.String("topic", "duel-actions", "Kafka action topic")
	duelID := flag.String("duel", "", "Duel ID")
	characterID := flag.String("character", "", "Acting character ID")
	actions := flag.String("actions", "draw,stand", "Actions to send in order (comma-separated)")
	delay := flag.Duration("delay", 0, "Pause between actions")
	flag.Parse()

	if *duelID == "" || *characterID == "" {
		log.Fatal("-duel and -character are required")
	}

	var steps []string
	for _, a := range strings.Split(*actions, ",") {
		if a = strings.TrimSpace(a); a != "" {
			steps = append(steps, a)
		}
	}
	if len(steps) == 0 {
		log.Fatal("-actions must name at least one action")
	}

	fmt.Printf("Sending %d action(s) for %s in duel %s to %s\n", len(steps), *characterID, *duelID, *topic)

	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 100 * time.Millisecond
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(strings.Split(*brokers, ","), config)
	if err != nil {
		log.Fatalf("Failed to create producer: %v", err)
	}

	var successCount, errorCount int64
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for range producer.Successes() {
			atomic.AddInt64(&successCount, 1)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for err := range producer.Errors() {
			atomic.AddInt64(&errorCount, 1)
			log.Printf("Producer error: %v", err)
		}
	}()

	for i, step := range steps {
		data, err := json.Marshal(domain.ActionSubmission{
			DuelID:      *duelID,
			CharacterID: *characterID,
			Action:      domain.Action{Type: step},
		})
		if err != nil {
			log.Printf("Failed to marshal message: %v", err)
			continue
		}

		// Keyed by duel so every action of a duel lands on one partition
		producer.Input() <- &sarama.ProducerMessage{
			Topic: *topic,
			Key:   sarama.StringEncoder(*duelID),
			Value: sarama.ByteEncoder(data),
		}

		if *delay > 0 && i < len(steps)-1 {
			time.Sleep(*delay)
		}
	}

	producer.AsyncClose()
	wg.Wait()
	fmt.Printf("Completed. Sent: %d, Errors: %d\n", atomic.LoadInt64(&successCount), atomic.LoadInt64(&errorCount))
}
