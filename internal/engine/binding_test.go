package engine

import "testing"

func TestParseBinding(t *testing.T) {
	b, err := ParseBinding(3, "LD\nCurrent (mA)", "toptica://10.0.0.7:1998/laser1:dl:cc:current-act", "wavemeter")
	if err != nil {
		t.Fatal(err)
	}
	if b.Source != SourceDevice || b.Host != "10.0.0.7" || b.Port != 1998 || b.Query != "laser1:dl:cc:current-act" {
		t.Errorf("Unexpected device binding %+v", b)
	}
	if b.Endpoint() != "10.0.0.7:1998" {
		t.Errorf("Expected endpoint 10.0.0.7:1998, got %s", b.Endpoint())
	}
	if b.String() != "toptica://10.0.0.7:1998/laser1:dl:cc:current-act" {
		t.Errorf("Unexpected descriptor %s", b.String())
	}

	b, err = ParseBinding(4, "Room\nTemp", "mqtt://lab/room/temp", "wavemeter")
	if err != nil {
		t.Fatal(err)
	}
	if b.Source != SourceSubscription || b.Scheme != "mqtt" || b.Topic != "lab/room/temp" || b.Aggregate != AggregateNone {
		t.Errorf("Unexpected subscription binding %+v", b)
	}

	b, _ = ParseBinding(5, "Wavemeter\nFrequency (THz)", "kafka://wavemeter.ch2", "wavemeter")
	if b.Scheme != "kafka" || b.Aggregate != AggregateMean {
		t.Errorf("Expected windowed kafka binding, got %+v", b)
	}
}

func TestParseBindingErrors(t *testing.T) {
	for _, d := range []string{
		"nonsense",
		"://topic",
		"mqtt://",
		"toptica://10.0.0.7/query",
		"toptica://10.0.0.7:port/query",
		"toptica://10.0.0.7:1998",
		"toptica://10.0.0.7:99999/query",
		"mqtt://a://b",
	} {
		if _, err := ParseBinding(0, "X", d, ""); err == nil {
			t.Errorf("Expected error for %q", d)
		}
	}
}

func TestSubscriptionTopics(t *testing.T) {
	bindings := []Binding{
		{Source: SourceSubscription, Scheme: "mqtt", Topic: "a"},
		{Source: SourceSubscription, Scheme: "mqtt", Topic: "a"},
		{Source: SourceSubscription, Scheme: "kafka", Topic: "b"},
		{Source: SourceDevice, Scheme: DeviceScheme, Host: "h", Port: 1, Query: "q"},
		{Source: SourceSubscription, Scheme: "mqtt", Topic: "c"},
	}
	topics := SubscriptionTopics(bindings, "mqtt")
	if len(topics) != 2 || topics[0] != "a" || topics[1] != "c" {
		t.Errorf("Expected [a c], got %q", topics)
	}
}
