package httpapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/carewire/carewire/internal/fhirdoc"
	"github.com/carewire/carewire/internal/store"
	"github.com/carewire/carewire/pkg/pagination"
)

// resourceHandler is the generic store-backed CRUD surface. Writes flow
// through the store's change feed, so every mutation here can produce
// subscription events.
type resourceHandler struct {
	server *Server
}

func (h *resourceHandler) Create(c echo.Context) error {
	eng, err := h.server.engine(c)
	if err != nil {
		return err
	}
	var body store.Resource
	if err := c.Bind(&body); err != nil {
		return outcomeJSON(c, http.StatusBadRequest, fhirdoc.ValidationOutcome("request body is not a JSON document", ""))
	}
	created, err := eng.Store.Create(c.Request().Context(), c.Param("resourceType"), body)
	if err != nil {
		return outcomeJSON(c, http.StatusBadRequest, fhirdoc.ValidationOutcome(err.Error(), ""))
	}
	return c.JSON(http.StatusCreated, created)
}

func (h *resourceHandler) Get(c echo.Context) error {
	eng, err := h.server.engine(c)
	if err != nil {
		return err
	}
	rt, id := c.Param("resourceType"), c.Param("id")
	res, err := eng.Store.Get(rt, id)
	if err != nil {
		if errors.Is(err, store.ErrDeleted) {
			return outcomeJSON(c, http.StatusGone, fhirdoc.NewOutcome(
				fhirdoc.SeverityError, fhirdoc.IssueDeleted, fhirdoc.Ref(rt, id)+" has been deleted"))
		}
		return outcomeJSON(c, http.StatusNotFound, fhirdoc.NotFoundOutcome(rt, id))
	}
	return c.JSON(http.StatusOK, res)
}

func (h *resourceHandler) List(c echo.Context) error {
	eng, err := h.server.engine(c)
	if err != nil {
		return err
	}
	resources := eng.Store.List(c.Param("resourceType"))
	page := pagination.FromContext(c)
	lo, hi := page.Window(len(resources))
	entries := make([]interface{}, 0, hi-lo)
	for _, res := range resources[lo:hi] {
		entries = append(entries, map[string]interface{}{"resource": res})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "searchset",
		"total":        len(resources),
		"link":         page.Links(c.Request().URL.Path, len(resources)),
		"entry":        entries,
	})
}

func (h *resourceHandler) Update(c echo.Context) error {
	eng, err := h.server.engine(c)
	if err != nil {
		return err
	}
	var body store.Resource
	if err := c.Bind(&body); err != nil {
		return outcomeJSON(c, http.StatusBadRequest, fhirdoc.ValidationOutcome("request body is not a JSON document", ""))
	}
	rt, id := c.Param("resourceType"), c.Param("id")
	updated, err := eng.Store.Update(c.Request().Context(), rt, id, body)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return outcomeJSON(c, http.StatusNotFound, fhirdoc.NotFoundOutcome(rt, id))
		}
		return outcomeJSON(c, http.StatusBadRequest, fhirdoc.ValidationOutcome(err.Error(), ""))
	}
	return c.JSON(http.StatusOK, updated)
}

func (h *resourceHandler) Delete(c echo.Context) error {
	eng, err := h.server.engine(c)
	if err != nil {
		return err
	}
	rt, id := c.Param("resourceType"), c.Param("id")
	if err := eng.Store.Delete(c.Request().Context(), rt, id); err != nil {
		return outcomeJSON(c, http.StatusNotFound, fhirdoc.NotFoundOutcome(rt, id))
	}
	return c.NoContent(http.StatusNoContent)
}
