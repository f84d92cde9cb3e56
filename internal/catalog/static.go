package catalog

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/mmeshcher/entitlement-engine/internal/model"
)

// Static хранит неизменяемый каталог в памяти.
type Static struct {
	courses map[string]model.Course
}

// NewStatic создаёт каталог из списка курсов.
func NewStatic(courses ...model.Course) *Static {
	m := make(map[string]model.Course, len(courses))
	for _, c := range courses {
		m[c.ID] = c
	}
	return &Static{courses: m}
}

// ParseStatic разбирает каталог из строки вида "c1:500000,c2:250000".
func ParseStatic(list string) (*Static, error) {
	var courses []model.Course
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		id, priceStr, ok := strings.Cut(part, ":")
		if !ok || strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("invalid catalog entry %q", part)
		}
		price, err := strconv.ParseInt(strings.TrimSpace(priceStr), 10, 64)
		if err != nil || price < 0 {
			return nil, fmt.Errorf("invalid price in catalog entry %q", part)
		}
		courses = append(courses, model.Course{ID: strings.TrimSpace(id), Price: price})
	}
	return NewStatic(courses...), nil
}

// ListCourses возвращает курсы, отсортированные по идентификатору.
func (s *Static) ListCourses(_ context.Context) ([]model.Course, error) {
	res := make([]model.Course, 0, len(s.courses))
	for _, c := range s.courses {
		res = append(res, c)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

// GetCourse возвращает курс по идентификатору.
func (s *Static) GetCourse(_ context.Context, id string) (*model.Course, error) {
	c, ok := s.courses[id]
	if !ok {
		return nil, fmt.Errorf("%w: course %s", model.ErrNotFound, id)
	}
	return &c, nil
}
