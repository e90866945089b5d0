// Command push-sim publishes push messages to a running agent through the MQTT broker.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"familytrack/device-agent/internal/push"
)

type payload struct {
	Notification *push.Notification `json:"notification,omitempty"`
	Data         map[string]string  `json:"data,omitempty"`
}

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	prefix := flag.String("prefix", "familytrack/devices", "Push topic prefix")
	deviceToken := flag.String("device", "", "Target device token")
	alertType := flag.String("type", push.AlertUpdateInterval, "alertType: UPDATE_INTERVAL, zone_exit, zone_entry, offline, NEW_TOKEN or any other value for a plain notification")
	interval := flag.Int("interval", 60, "Interval in seconds for UPDATE_INTERVAL")
	token := flag.String("token", "", "New token for NEW_TOKEN")
	title := flag.String("title", "", "Notification title")
	body := flag.String("body", "", "Notification body")

	flag.Parse()

	if *deviceToken == "" {
		fmt.Fprintln(os.Stderr, "-device is required")
		flag.Usage()
		os.Exit(2)
	}

	msg := payload{Data: map[string]string{"alertType": *alertType}}
	switch *alertType {
	case push.AlertUpdateInterval:
		msg.Data["interval"] = strconv.Itoa(*interval)
	case push.AlertNewToken:
		msg.Data["token"] = *token
	}
	if *title != "" || *body != "" {
		msg.Notification = &push.Notification{Title: *title, Body: *body}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		log.Fatalf("failed to encode payload: %v", err)
	}

	clientID := "familytrack-push-sim-" + uuid.NewString()
	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(clientID)

	client := mqtt.NewClient(opts)
	if t := client.Connect(); t.Wait() && t.Error() != nil {
		log.Fatalf("failed to connect to broker: %v", t.Error())
	}
	defer client.Disconnect(250)
	log.Printf("connected to MQTT broker %s as %s", *brokerAddr, clientID)

	topic := push.Topic(*prefix, *deviceToken)
	t := client.Publish(topic, 1, false, data)
	t.Wait()
	if err := t.Error(); err != nil {
		log.Fatalf("publish error: %v", err)
	}
	log.Printf("published %s %s", topic, data)
}
