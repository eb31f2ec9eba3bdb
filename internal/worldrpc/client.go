// Package worldrpc предоставляет клиент для процесса игрового мира.
// Мир — внешняя система: вызов может завершиться таймаутом, при котором
// неизвестно, произошёл ли побочный эффект на той стороне.
package worldrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Client инкапсулирует HTTP-взаимодействие с игровым миром.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// DeliveryResult описывает ответ мира на запрос доставки покупки.
type DeliveryResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type deliveryRequest struct {
	PurchaseID int64  `json:"purchase_id"`
	Recipient  string `json:"recipient"`
	CatalogRef string `json:"catalog_ref"`
}

// NewClient создаёт клиент игрового мира по указанному адресу.
func NewClient(baseURL string) *Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 2
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = time.Second
	c.HTTPClient.Timeout = 5 * time.Second
	c.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: c,
	}
}

func (c *Client) url(path string) (string, error) {
	if c == nil || c.baseURL == "" {
		return "", fmt.Errorf("world client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	return base + path, nil
}

// Deliver просит мир выдать покупку получателю. Запрос ключуется идентификатором
// покупки: повтор с тем же ключом мир обязан обработать идемпотентно.
// Ошибка транспорта не означает, что доставка не случилась.
func (c *Client) Deliver(ctx context.Context, purchaseID int64, recipient, catalogRef string) (*DeliveryResult, error) {
	url, err := c.url("/api/world/deliver")
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(deliveryRequest{
		PurchaseID: purchaseID,
		Recipient:  recipient,
		CatalogRef: catalogRef,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal delivery request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result DeliveryResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &result, nil
}

// CharacterOnline сообщает, находится ли персонаж сейчас в игровом мире.
func (c *Client) CharacterOnline(ctx context.Context, recipientRef string) (bool, error) {
	var result struct {
		Online bool `json:"online"`
	}
	if err := c.getJSON(ctx, "/api/world/characters/"+recipientRef+"/online", &result); err != nil {
		return false, err
	}
	return result.Online, nil
}

// ItemPresent сообщает, находится ли предмет в ожидаемом месте у получателя.
func (c *Client) ItemPresent(ctx context.Context, recipientRef, worldItemRef string) (bool, error) {
	var result struct {
		Present bool `json:"present"`
	}
	if err := c.getJSON(ctx, "/api/world/characters/"+recipientRef+"/items/"+worldItemRef, &result); err != nil {
		return false, err
	}
	return result.Present, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	url, err := c.url(path)
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}
