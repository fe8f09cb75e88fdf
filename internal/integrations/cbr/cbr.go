package cbr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/beevik/etree"
	"github.com/sirupsen/logrus"
)

// lookback is how far back the key rate history is requested
const lookback = 30 * 24 * time.Hour

var keyRateEnvelope = template.Must(template.New("KeyRate").Parse(`<?xml version="1.0" encoding="utf-8"?>
<soap12:Envelope xmlns:soap12="http://www.w3.org/2003/05/soap-envelope">
  <soap12:Body>
    <KeyRate xmlns="http://web.cbr.ru/">
      <fromDate>{{.From}}</fromDate>
      <ToDate>{{.To}}</ToDate>
    </KeyRate>
  </soap12:Body>
</soap12:Envelope>`))

// KeyRate is one published key rate
type KeyRate struct {
	Date  time.Time
	Value float64
}

// Client reads the key rate history from the central bank daily info service
type Client struct {
	url    string
	client *http.Client
	log    *logrus.Logger
	now    func() time.Time
}

// NewClient initializes a new key rate client
func NewClient(url string, log *logrus.Logger) *Client {
	return &Client{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
		now:    time.Now,
	}
}

// Latest returns the most recent key rate published in the lookback window
func (c *Client) Latest(ctx context.Context) (KeyRate, error) {
	body, err := c.call(ctx)
	if err != nil {
		return KeyRate{}, err
	}
	rates, err := parseKeyRates(body)
	if err != nil {
		return KeyRate{}, err
	}
	latest := rates[0]
	for _, r := range rates[1:] {
		if r.Date.After(latest.Date) {
			latest = r
		}
	}
	c.log.WithFields(logrus.Fields{"date": latest.Date.Format(time.DateOnly), "value": latest.Value}).Debug("Key rate fetched")
	return latest, nil
}

func (c *Client) call(ctx context.Context) ([]byte, error) {
	now := c.now()
	var envelope bytes.Buffer
	err := keyRateEnvelope.Execute(&envelope, struct{ From, To string }{
		From: now.Add(-lookback).Format(time.DateOnly),
		To:   now.Format(time.DateOnly),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, &envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/soap+xml; charset=utf-8")
	req.Header.Set("SOAPAction", "http://web.cbr.ru/KeyRate")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

// parseKeyRates reads every KR row of the diffgram
func parseKeyRates(body []byte) ([]KeyRate, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, fmt.Errorf("failed to parse XML: %w", err)
	}
	rows := doc.FindElements("//diffgram/KeyRate/KR")
	if len(rows) == 0 {
		return nil, errors.New("no key rate data found in XML")
	}

	rates := make([]KeyRate, 0, len(rows))
	for _, row := range rows {
		dt, value := row.FindElement("./DT"), row.FindElement("./Rate")
		if dt == nil || value == nil {
			return nil, errors.New("key rate row without DT or Rate")
		}
		date, err := time.Parse(time.RFC3339, strings.TrimSpace(dt.Text()))
		if err != nil {
			return nil, fmt.Errorf("failed to parse date: %w", err)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(value.Text()), 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse rate: %w", err)
		}
		rates = append(rates, KeyRate{Date: date, Value: v})
	}
	return rates, nil
}
