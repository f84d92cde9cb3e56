package cache

import (
	"fmt"
	"time"
)

const (
	// idem:order:{buyer_id}:{idempotency_key} -> order_id
	keyIdemOrder = "idem:order:%s:%s"

	// catalog:courses -> JSON-список курсов
	keyCatalogCourses = "catalog:courses"

	// catalog:course:{course_id} -> JSON курса
	keyCatalogCourse = "catalog:course:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLCatalog     = 5 * time.Minute
)

func idemOrderKey(buyerID, key string) string {
	return fmt.Sprintf(keyIdemOrder, buyerID, key)
}

func catalogCourseKey(courseID string) string {
	return fmt.Sprintf(keyCatalogCourse, courseID)
}
