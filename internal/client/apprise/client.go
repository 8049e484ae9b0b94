// Package apprise sends job notifications through an Apprise API server.
package apprise

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/fusionn-autosub/internal/config"
	"github.com/fusionn-autosub/internal/failure"
	"github.com/fusionn-autosub/pkg/logger"
)

// Notification types understood by Apprise.
const (
	TypeInfo    = "info"
	TypeSuccess = "success"
	TypeWarning = "warning"
	TypeFailure = "failure"
)

// Client wraps the Apprise API.
type Client struct {
	cfg    config.AppriseConfig
	client *resty.Client
}

// NewClient creates a new Apprise client.
func NewClient(cfg config.AppriseConfig) *Client {
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(1 * time.Second)

	return &Client{
		cfg:    cfg,
		client: client,
	}
}

// NotifyRequest is the request body for Apprise.
type NotifyRequest struct {
	Body  string `json:"body"`
	Title string `json:"title,omitempty"`
	Type  string `json:"type,omitempty"`
	Tag   string `json:"tag,omitempty"`
}

// Notify sends a notification via Apprise. Disabled clients do nothing.
func (c *Client) Notify(title, body, notifyType string) error {
	if !c.cfg.Enabled {
		return nil
	}

	tag := c.cfg.Tag
	if tag == "" {
		tag = "all"
	}

	resp, err := c.client.R().
		SetHeader("Content-Type", "application/json").
		SetBody(NotifyRequest{
			Title: title,
			Body:  body,
			Type:  notifyType,
			Tag:   tag,
		}).
		Post("/notify/" + c.cfg.Key)
	if err != nil {
		return failure.New(failure.CodeUnavailable, "notify", fmt.Errorf("apprise request: %w", err))
	}
	if resp.IsError() {
		return failure.Newf(failure.CodeInternal, "notify", "apprise error (%d): %s", resp.StatusCode(), resp.String())
	}

	logger.Debugf("🔔 Notification sent: %s", title)
	return nil
}

// NotifySuccess sends a success notification.
func (c *Client) NotifySuccess(title, body string) error {
	return c.Notify(title, body, TypeSuccess)
}

// NotifyError sends an error notification.
func (c *Client) NotifyError(title, body string) error {
	return c.Notify(title, body, TypeFailure)
}

// NotifyInfo sends an info notification.
func (c *Client) NotifyInfo(title, body string) error {
	return c.Notify(title, body, TypeInfo)
}
