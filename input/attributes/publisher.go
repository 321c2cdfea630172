package attributes

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ApollusEHS-OSS/openremote/asset"
	"github.com/ApollusEHS-OSS/openremote/errors"
	"github.com/ApollusEHS-OSS/openremote/natsclient"
	"github.com/ApollusEHS-OSS/openremote/rulelang"
)

// Publisher sends attribute events and notifications over NATS.
// South-bound writes published here come back through the Input
// subscription, keeping rule-triggered updates on the same path as
// sensor data.
type Publisher struct {
	client              *natsclient.Client
	attributeSubject    string
	notificationSubject string
	logger              *slog.Logger
}

// NewPublisher builds a publisher for the given subjects.
func NewPublisher(client *natsclient.Client, attributeSubject, notificationSubject string) (*Publisher, error) {
	if client == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("nil NATS client"),
			"attributes-publisher", "NewPublisher", "validating dependencies")
	}
	if attributeSubject == "" || notificationSubject == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("empty subject"),
			"attributes-publisher", "NewPublisher", "validating dependencies")
	}
	return &Publisher{
		client:              client,
		attributeSubject:    attributeSubject,
		notificationSubject: notificationSubject,
		logger:              slog.Default().With("component", "attributes-publisher"),
	}, nil
}

// PublishAttributeEvent publishes a south-bound attribute event.
func (p *Publisher) PublishAttributeEvent(ev asset.AttributeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return errors.WrapInvalid(err,
			"attributes-publisher", "PublishAttributeEvent", "encoding event")
	}
	if err := p.client.Publish(p.attributeSubject, data); err != nil {
		return errors.Wrap(err,
			"attributes-publisher", "PublishAttributeEvent",
			fmt.Sprintf("publishing to %s", p.attributeSubject))
	}
	p.logger.Debug("published attribute event",
		"asset", ev.Ref.AssetID,
		"attribute", ev.Ref.AttributeName)
	return nil
}

// PublishNotification publishes a rule-raised notification.
func (p *Publisher) PublishNotification(n rulelang.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return errors.WrapInvalid(err,
			"attributes-publisher", "PublishNotification", "encoding notification")
	}
	if err := p.client.Publish(p.notificationSubject, data); err != nil {
		return errors.Wrap(err,
			"attributes-publisher", "PublishNotification",
			fmt.Sprintf("publishing to %s", p.notificationSubject))
	}
	return nil
}
