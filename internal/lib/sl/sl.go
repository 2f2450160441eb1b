// Package sl содержит вспомогательные атрибуты для логгера slog.
package sl

import "log/slog"

// Err возвращает атрибут "error" с текстом ошибки. Для nil ошибки значение пустое.
//
//	log.Error("failed to apply payment", sl.Err(err))
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.Attr{
		Key:   "error",
		Value: slog.StringValue(err.Error()),
	}
}

// Provider атрибут с идентификатором платёжного провайдера.
func Provider(id string) slog.Attr {
	return slog.String("provider", id)
}

// User атрибут с внутренним идентификатором пользователя.
func User(id int64) slog.Attr {
	return slog.Int64("user_id", id)
}
