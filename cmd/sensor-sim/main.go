// Command sensor-sim publishes circuit readings over MQTT so the controller
// can be exercised without a real sensor.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

type step struct {
	name     string
	amps     float64
	duration time.Duration
	expected string
}

// With capacity 32A and a 1A band.
var scenario = []step{
	{"Quiet house", 4, 40 * time.Second, "regulating at 28A"},
	{"Oven on", 18, 40 * time.Second, "decrease to 14A immediately"},
	{"Oven and kettle", 29, 20 * time.Second, "decrease to 3A"},
	{"Overload", 34, 20 * time.Second, "budget 0A, floor commanded"},
	{"Back to quiet", 5, 60 * time.Second, "increase to 27A after the rate limit"},
}

func main() {
	broker := flag.String("broker", "tcp://localhost:1883", "MQTT broker URL")
	topic := flag.String("topic", "energy/circuit/readings", "Readings topic")
	interval := flag.Duration("interval", 2*time.Second, "Time between readings")
	volts := flag.Float64("volts", 230, "Reported voltage")
	interactive := flag.Bool("i", false, "Read amps from stdin instead of running the scenario")
	flag.Parse()

	logger := logrus.New()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(*broker)
	opts.SetClientID("amp-controller-sensor-sim")

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		logger.Fatalf("Cannot connect to MQTT broker %s: %v (try: docker run -p 1883:1883 eclipse-mosquitto:2.0)", *broker, token.Error())
	}
	defer client.Disconnect(250)
	logger.Infof("Connected to %s, publishing on %s", *broker, *topic)

	publisher := &publisher{client: client, topic: *topic, volts: *volts, logger: logger}

	if *interactive {
		publisher.interactive()
		return
	}

	for _, s := range scenario {
		logger.Infof("%s: %.1fA for %s (expect: %s)", s.name, s.amps, s.duration, s.expected)
		deadline := time.Now().Add(s.duration)
		for time.Now().Before(deadline) {
			publisher.publish(s.amps)
			time.Sleep(*interval)
		}
	}
	logger.Info("Scenario finished")
}

type publisher struct {
	client mqtt.Client
	topic  string
	volts  float64
	logger *logrus.Logger
}

func (p *publisher) publish(amps float64) {
	payload, _ := json.Marshal(map[string]interface{}{
		"amps":      amps,
		"volts":     p.volts,
		"watts":     amps * p.volts,
		"timestamp": time.Now().Format(time.RFC3339Nano),
	})

	token := p.client.Publish(p.topic, 1, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		p.logger.Errorf("Publish failed: %v", err)
		return
	}
	p.logger.Debugf("Published %.1fA", amps)
}

func (p *publisher) interactive() {
	fmt.Println("Type a load in amps to publish it, 'burst <amps> <n>' to publish n readings, 'quit' to exit.")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "quit", "exit", "q":
			return
		case "burst":
			if len(fields) != 3 {
				fmt.Println("usage: burst <amps> <n>")
				continue
			}
			amps, err1 := strconv.ParseFloat(fields[1], 64)
			n, err2 := strconv.Atoi(fields[2])
			if err1 != nil || err2 != nil {
				fmt.Println("usage: burst <amps> <n>")
				continue
			}
			for i := 0; i < n; i++ {
				p.publish(amps)
			}
			fmt.Printf("published %d x %.1fA\n", n, amps)
		default:
			amps, err := strconv.ParseFloat(fields[0], 64)
			if err != nil {
				fmt.Println("unknown command")
				continue
			}
			p.publish(amps)
			fmt.Printf("published %.1fA\n", amps)
		}
	}
}
