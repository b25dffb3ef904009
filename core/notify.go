package core

import (
	"net/url"
	"time"

	"github.com/breakdev/edgecert/log"

	"github.com/go-resty/resty/v2"
)

type NotifyBody struct {
	Event  string `json:"event"`
	Domain string `json:"domain"`
	Error  string `json:"error,omitempty"`
}

// Notifier posts issuance outcomes to an operator webhook. A missing URL
// disables it.
type Notifier struct {
	webhookUrl string
	client     *resty.Client
}

func NewNotifier(webhookUrl string) (*Notifier, error) {
	o := &Notifier{}
	if webhookUrl == "" {
		return o, nil
	}
	if _, err := url.ParseRequestURI(webhookUrl); err != nil {
		return nil, err
	}
	o.webhookUrl = webhookUrl
	o.client = resty.New().SetTimeout(10 * time.Second)
	return o, nil
}

func (o *Notifier) Enabled() bool {
	return o.webhookUrl != ""
}

func (o *Notifier) send(body NotifyBody) {
	if !o.Enabled() {
		return
	}
	_, err := o.client.R().
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(o.webhookUrl)
	if err != nil {
		log.Warning("notify: webhook delivery failed: %v", err)
	}
}

func (o *Notifier) NotifyIssued(domain string) {
	o.send(NotifyBody{Event: "cert_issued", Domain: domain})
}

func (o *Notifier) NotifyFailed(domain string, lastError string) {
	o.send(NotifyBody{Event: "cert_failed", Domain: domain, Error: lastError})
}
