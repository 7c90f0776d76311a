package i18n

import "net/http"

// Middleware injects a localizer into every request context. The "lang" query
// parameter wins over Accept-Language; the catalog default is the last resort.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var langs []string
			if q := r.URL.Query().Get("lang"); q != "" {
				langs = append(langs, q)
			}
			if al := r.Header.Get("Accept-Language"); al != "" {
				langs = append(langs, al)
			}
			ctx := WithLocalizer(r.Context(), NewLocalizer(langs...))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
