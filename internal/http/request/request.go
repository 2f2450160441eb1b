// Package request разбирает параметры пути и запроса.
package request

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"
)

// ID положительный целый параметр пути name.
func ID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return id, nil
}

// Limit параметр limit в пределах [1, maxLimit], по умолчанию def.
func Limit(r *http.Request, def, maxLimit int) int {
	v, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || v < 1 {
		return def
	}
	return min(v, maxLimit)
}
