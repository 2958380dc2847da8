package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/carewire/carewire/internal/fhirdoc"
	"github.com/carewire/carewire/internal/subscription"
	"github.com/carewire/carewire/pkg/pagination"
)

type subscriptionHandler struct {
	server *Server
}

func (h *subscriptionHandler) Create(c echo.Context) error {
	eng, err := h.server.engine(c)
	if err != nil {
		return err
	}
	var doc map[string]interface{}
	if err := c.Bind(&doc); err != nil {
		return outcomeJSON(c, http.StatusBadRequest, fhirdoc.ValidationOutcome("request body is not a JSON document", ""))
	}
	def, err := subscription.ParseResource(doc)
	if err != nil {
		return outcomeJSON(c, http.StatusBadRequest, fhirdoc.ValidationOutcome(err.Error(), "Subscription"))
	}
	snap, err := eng.Subs.Create(def)
	if err != nil {
		return outcomeJSON(c, http.StatusBadRequest, fhirdoc.ValidationOutcome(err.Error(), "Subscription"))
	}
	return c.JSON(http.StatusCreated, subscription.RenderResource(snap))
}

func (h *subscriptionHandler) List(c echo.Context) error {
	eng, err := h.server.engine(c)
	if err != nil {
		return err
	}
	snaps := eng.Subs.All()
	page := pagination.FromContext(c)
	lo, hi := page.Window(len(snaps))
	entries := make([]interface{}, 0, hi-lo)
	for _, snap := range snaps[lo:hi] {
		entries = append(entries, map[string]interface{}{
			"resource": subscription.RenderResource(snap),
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "searchset",
		"total":        len(snaps),
		"link":         page.Links(c.Request().URL.Path, len(snaps)),
		"entry":        entries,
	})
}

func (h *subscriptionHandler) Get(c echo.Context) error {
	eng, err := h.server.engine(c)
	if err != nil {
		return err
	}
	snap, err := eng.Subs.Get(c.Param("id"))
	if err != nil {
		return outcomeJSON(c, http.StatusNotFound, fhirdoc.NotFoundOutcome("Subscription", c.Param("id")))
	}
	return c.JSON(http.StatusOK, subscription.RenderResource(snap))
}

func (h *subscriptionHandler) Update(c echo.Context) error {
	eng, err := h.server.engine(c)
	if err != nil {
		return err
	}
	var doc map[string]interface{}
	if err := c.Bind(&doc); err != nil {
		return outcomeJSON(c, http.StatusBadRequest, fhirdoc.ValidationOutcome("request body is not a JSON document", ""))
	}
	def, err := subscription.ParseResource(doc)
	if err != nil {
		return outcomeJSON(c, http.StatusBadRequest, fhirdoc.ValidationOutcome(err.Error(), "Subscription"))
	}
	snap, err := eng.Subs.Update(c.Param("id"), def)
	if err != nil {
		if errors.Is(err, subscription.ErrNotFound) {
			return outcomeJSON(c, http.StatusNotFound, fhirdoc.NotFoundOutcome("Subscription", c.Param("id")))
		}
		return outcomeJSON(c, http.StatusBadRequest, fhirdoc.ValidationOutcome(err.Error(), "Subscription"))
	}
	return c.JSON(http.StatusOK, subscription.RenderResource(snap))
}

func (h *subscriptionHandler) Delete(c echo.Context) error {
	eng, err := h.server.engine(c)
	if err != nil {
		return err
	}
	if err := eng.Subs.Delete(c.Param("id")); err != nil {
		return outcomeJSON(c, http.StatusNotFound, fhirdoc.NotFoundOutcome("Subscription", c.Param("id")))
	}
	return c.NoContent(http.StatusNoContent)
}

// Status returns the subscription's state and counters as a query-status
// notification bundle.
func (h *subscriptionHandler) Status(c echo.Context) error {
	eng, err := h.server.engine(c)
	if err != nil {
		return err
	}
	snap, err := eng.Subs.Get(c.Param("id"))
	if err != nil {
		return outcomeJSON(c, http.StatusNotFound, fhirdoc.NotFoundOutcome("Subscription", c.Param("id")))
	}
	return c.JSON(http.StatusOK, eng.Bundler.Build(snap, nil, subscription.NotificationStatus))
}

// Events synthesizes a notification bundle from the retained event log. The
// content query parameter overrides the channel's content level for this
// response only; eventsSinceNumber and eventsUntilNumber bound the range.
func (h *subscriptionHandler) Events(c echo.Context) error {
	eng, err := h.server.engine(c)
	if err != nil {
		return err
	}
	snap, err := eng.Subs.Get(c.Param("id"))
	if err != nil {
		return outcomeJSON(c, http.StatusNotFound, fhirdoc.NotFoundOutcome("Subscription", c.Param("id")))
	}

	since, err := parseEventNumber(c.QueryParam("eventsSinceNumber"))
	if err != nil {
		return outcomeJSON(c, http.StatusBadRequest, fhirdoc.ValidationOutcome("eventsSinceNumber must be a non-negative integer", ""))
	}
	until, err := parseEventNumber(c.QueryParam("eventsUntilNumber"))
	if err != nil {
		return outcomeJSON(c, http.StatusBadRequest, fhirdoc.ValidationOutcome("eventsUntilNumber must be a non-negative integer", ""))
	}
	if content := c.QueryParam("content"); content != "" {
		level := subscription.ContentLevel(content)
		switch level {
		case subscription.ContentEmpty, subscription.ContentIDOnly, subscription.ContentFullResource:
			snap.Def.Channel.ContentLevel = level
		default:
			return outcomeJSON(c, http.StatusBadRequest, fhirdoc.ValidationOutcome("content must be empty, id-only or full-resource", ""))
		}
	}

	events, expired, err := eng.Subs.EventsInRange(snap.ID, since, until)
	if err != nil {
		return outcomeJSON(c, http.StatusNotFound, fhirdoc.NotFoundOutcome("Subscription", snap.ID))
	}
	if len(expired) > 0 {
		return outcomeJSON(c, http.StatusGone, fhirdoc.ExpiredOutcome(expired[0]))
	}
	return c.JSON(http.StatusOK, eng.Bundler.Build(snap, events, subscription.NotificationQueryEvent))
}

func parseEventNumber(raw string) (uint64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}
