package api

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"exception-collector/internal/apperr"
	"exception-collector/internal/loader"
	"exception-collector/internal/models"
	"exception-collector/internal/payload"
	"exception-collector/internal/store"
)

const (
	includeRetryHistory  = "retryHistory"
	includeStatusHistory = "statusHistory"
	includePayload       = "originalPayload"
)

type includes struct {
	retryHistory  bool
	statusHistory bool
	payload       bool
}

func parseIncludes(raw string) (includes, error) {
	var inc includes
	for _, f := range splitList(raw) {
		switch f {
		case includeRetryHistory:
			inc.retryHistory = true
		case includeStatusHistory:
			inc.statusHistory = true
		case includePayload:
			inc.payload = true
		default:
			return inc, apperr.Validation(apperr.CodeInvalidField, "include", fmt.Sprintf("unknown include field %q", f))
		}
	}
	return inc, nil
}

// exceptionView is a record plus the detail fields the caller asked for.
// Detail fields are resolved through the request's loaders, one fetch per
// field for the whole page.
type exceptionView struct {
	models.ExceptionRecord
	RetryHistory    *[]models.RetryAttempt   `json:"retryHistory,omitempty"`
	StatusHistory   *[]models.StatusChange   `json:"statusHistory,omitempty"`
	OriginalPayload *payload.Result          `json:"originalPayload,omitempty"`
	FieldErrors     map[string]apperr.Public `json:"fieldErrors,omitempty"`
}

func (v *exceptionView) fieldError(field string, p apperr.Public) {
	if v.FieldErrors == nil {
		v.FieldErrors = make(map[string]apperr.Public)
	}
	v.FieldErrors[field] = p
}

func (s *Server) expand(ctx context.Context, recs []models.ExceptionRecord, inc includes) []exceptionView {
	views := make([]exceptionView, len(recs))
	ids := make([]string, len(recs))
	for i, rec := range recs {
		views[i].ExceptionRecord = rec
		ids[i] = rec.TransactionID
	}
	if len(recs) == 0 {
		return views
	}
	reg, ok := loader.FromContext(ctx)
	if !ok {
		reg = s.loaders.New()
	}

	if inc.retryHistory {
		res := reg.RetryHistory.LoadMany(ctx, ids)
		for i, id := range ids {
			r := res[id]
			if r.Err != nil {
				views[i].fieldError(includeRetryHistory, s.reporter.Public(ctx, includeRetryHistory, r.Err))
				continue
			}
			history := r.Value
			views[i].RetryHistory = &history
		}
	}
	if inc.statusHistory {
		res := reg.StatusHistory.LoadMany(ctx, ids)
		for i, id := range ids {
			r := res[id]
			if r.Err != nil {
				views[i].fieldError(includeStatusHistory, s.reporter.Public(ctx, includeStatusHistory, r.Err))
				continue
			}
			history := r.Value
			views[i].StatusHistory = &history
		}
	}
	if inc.payload {
		if reg.Payloads == nil {
			for i := range views {
				unavailable := payload.Unavailable("payload service is not configured")
				views[i].OriginalPayload = &unavailable
			}
			return views
		}
		res := reg.Payloads.LoadMany(ctx, ids)
		for i, id := range ids {
			r := res[id]
			pl := r.Value
			if r.Err != nil {
				pl = payload.Unavailable(r.Err.Error())
			}
			views[i].OriginalPayload = &pl
		}
	}
	return views
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseEnumList[T interface {
	~string
	Valid() bool
}](q url.Values, field string) ([]T, error) {
	var out []T
	for _, v := range splitList(q.Get(field)) {
		e := T(strings.ToUpper(v))
		if !e.Valid() {
			return nil, apperr.Validation(apperr.CodeInvalidField, field, fmt.Sprintf("unsupported %s %q", field, v))
		}
		out = append(out, e)
	}
	return out, nil
}

func parseListQuery(q url.Values) (store.ListParams, includes, error) {
	var p store.ListParams
	var err error
	if p.InterfaceTypes, err = parseEnumList[models.InterfaceType](q, "interfaceType"); err != nil {
		return p, includes{}, err
	}
	if p.Statuses, err = parseEnumList[models.Status](q, "status"); err != nil {
		return p, includes{}, err
	}
	if p.Severities, err = parseEnumList[models.Severity](q, "severity"); err != nil {
		return p, includes{}, err
	}
	if p.Categories, err = parseEnumList[models.Category](q, "category"); err != nil {
		return p, includes{}, err
	}
	p.CustomerID = q.Get("customerId")

	if v := q.Get("retryable"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return p, includes{}, apperr.Validation(apperr.CodeInvalidField, "retryable", "retryable must be true or false")
		}
		p.Retryable = &b
	}
	for field, dst := range map[string]**time.Time{"occurredFrom": &p.OccurredFrom, "occurredTo": &p.OccurredTo} {
		if v := q.Get(field); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return p, includes{}, apperr.Validation(apperr.CodeInvalidField, field, field+" must be an RFC3339 timestamp")
			}
			*dst = &ts
		}
	}
	for field, dst := range map[string]*int{"offset": &p.Offset, "limit": &p.Limit} {
		if v := q.Get(field); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return p, includes{}, apperr.Validation(apperr.CodeInvalidField, field, field+" must be an integer")
			}
			*dst = n
		}
	}
	p.Sort = store.SortField(q.Get("sort"))
	switch strings.ToLower(q.Get("order")) {
	case "", "desc":
		p.Descending = true
	case "asc":
	default:
		return p, includes{}, apperr.Validation(apperr.CodeInvalidField, "order", "order must be asc or desc")
	}

	inc, err := parseIncludes(q.Get("include"))
	return p, inc, err
}
