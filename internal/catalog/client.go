// Package catalog предоставляет доступ к каталогу курсов контентного хранилища.
package catalog

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/mmeshcher/entitlement-engine/internal/model"
)

// Client инкапсулирует HTTP-взаимодействие с контентным хранилищем.
type Client struct {
	http *resty.Client
}

// NewClient создаёт клиент контентного хранилища по указанному адресу.
func NewClient(baseURL string) *Client {
	base := strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	return &Client{
		http: resty.New().
			SetBaseURL(base).
			SetTimeout(5*time.Second).
			SetHeader("Accept", "application/json"),
	}
}

// ListCourses возвращает все курсы каталога.
func (c *Client) ListCourses(ctx context.Context) ([]model.Course, error) {
	var courses []model.Course

	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&courses).
		Get("/api/courses")
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode())
	}

	return courses, nil
}

// GetCourse возвращает курс по идентификатору или model.ErrNotFound.
func (c *Client) GetCourse(ctx context.Context, id string) (*model.Course, error) {
	var course model.Course

	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetResult(&course).
		Get("/api/courses/{id}")
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
		return &course, nil
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: course %s", model.ErrNotFound, id)
	default:
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode())
	}
}
