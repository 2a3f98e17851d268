// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

package api

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/3dem/emhub/internal/booking"
	"github.com/3dem/emhub/internal/content"
	"github.com/3dem/emhub/internal/model"
)

// bookingPatch mirrors booking.Patch with the JSON names of the attrs.
type bookingPatch struct {
	Title       *string         `json:"title"`
	Description *string         `json:"description"`
	Start       *time.Time      `json:"start"`
	End         *time.Time      `json:"end"`
	Type        *string         `json:"type"`
	ResourceID  *int            `json:"resource_id"`
	OwnerID     *int            `json:"owner_id"`
	OperatorID  *int            `json:"operator_id"`
	SlotAuth    *model.SlotAuth `json:"slot_auth"`
	RepeatValue *string         `json:"repeat_value"`
	Experiment  model.Extra     `json:"experiment"`
	Extra       model.Extra     `json:"extra"`
}

// takeOptions removes the duration check flags from attrs.
func takeOptions(attrs map[string]any) booking.Options {
	opts := booking.Options{
		CheckMinBooking: boolAttr(attrs, "check_min_booking", true),
		CheckMaxBooking: boolAttr(attrs, "check_max_booking", true),
	}
	delete(attrs, "check_min_booking")
	delete(attrs, "check_max_booking")
	return opts
}

// checkOwner lets non-managers book only for themselves or for users of
// the same lab.
func (s *Server) checkOwner(ctx context.Context, u *model.User, ownerID int) error {
	if u.IsManager() || ownerID == 0 || ownerID == u.ID {
		return nil
	}
	owner, err := s.store.GetUser(ctx, ownerID)
	if err != nil {
		return err
	}
	if !u.SamePI(owner) {
		return fmt.Errorf("%w: You can only create bookings for yourself or your lab members", booking.ErrPermission)
	}
	return nil
}

func (s *Server) events(ctx context.Context, u *model.User, bs []model.Booking) ([]content.Event, error) {
	return content.NewLoader(s.store).Events(ctx, u, bs, content.EventOptions{})
}

func (s *Server) bookingRoutes(g *gin.RouterGroup) {
	st := s.store
	register(s, g, entity[model.Booking]{
		name:   "booking",
		plural: "bookings",
		id:     func(b *model.Booking) int { return b.ID },
		get:    st.GetBooking,
		list:   st.ListBookings,
	})

	g.POST("/create_booking", s.wrap(func(c *gin.Context, u *model.User) (any, error) {
		ctx := c.Request.Context()
		attrs, err := bindAttrs(c)
		if err != nil {
			return nil, err
		}
		req := booking.Request{Options: takeOptions(attrs)}
		if v, ok := attrs["repeat_stop"].(string); ok && v != "" {
			stop, err := parseTime(v)
			if err != nil {
				return nil, err
			}
			req.RepeatStop = &stop
		}
		delete(attrs, "repeat_stop")
		delete(attrs, "id")
		if err := decodeAttrs(attrs, &req.Booking); err != nil {
			return nil, err
		}
		if !u.IsManager() {
			req.Booking.CreatorID = 0
		}
		if err := s.checkOwner(ctx, u, req.Booking.OwnerID); err != nil {
			return nil, err
		}
		created, err := s.bookings.Create(ctx, u, req)
		if err != nil {
			return nil, err
		}
		events, err := s.events(ctx, u, created)
		if err != nil {
			return nil, err
		}
		return gin.H{"bookings_created": events}, nil
	}))

	g.POST("/update_booking", s.wrap(func(c *gin.Context, u *model.User) (any, error) {
		ctx := c.Request.Context()
		attrs, err := bindAttrs(c)
		if err != nil {
			return nil, err
		}
		id, err := attrID(attrs, "id")
		if err != nil {
			return nil, err
		}
		delete(attrs, "id")
		modifyAll := boolAttr(attrs, "modify_all", false)
		delete(attrs, "modify_all")
		opts := takeOptions(attrs)

		var p bookingPatch
		if err := decodeAttrs(attrs, &p); err != nil {
			return nil, err
		}
		if err := s.canModify(ctx, u, id); err != nil {
			return nil, err
		}
		if p.OwnerID != nil {
			if err := s.checkOwner(ctx, u, *p.OwnerID); err != nil {
				return nil, err
			}
		}
		updated, err := s.bookings.Update(ctx, u, id, booking.Patch(p), modifyAll, opts)
		if err != nil {
			return nil, err
		}
		events, err := s.events(ctx, u, updated)
		if err != nil {
			return nil, err
		}
		return gin.H{"bookings_updated": events}, nil
	}))

	g.POST("/delete_booking", s.wrap(func(c *gin.Context, u *model.User) (any, error) {
		ctx := c.Request.Context()
		attrs, err := bindAttrs(c)
		if err != nil {
			return nil, err
		}
		id, err := attrID(attrs, "id")
		if err != nil {
			return nil, err
		}
		if err := s.canModify(ctx, u, id); err != nil {
			return nil, err
		}
		deleted, err := s.bookings.Delete(ctx, u, id, boolAttr(attrs, "modify_all", false))
		if err != nil {
			return nil, err
		}
		events, err := s.events(ctx, u, deleted)
		if err != nil {
			return nil, err
		}
		return gin.H{"bookings_deleted": events}, nil
	}))

	g.POST("/get_bookings_range", s.wrap(func(c *gin.Context, u *model.User) (any, error) {
		var req struct {
			Start      string `json:"start"`
			End        string `json:"end"`
			ResourceID int    `json:"resource_id"`
		}
		if err := bindBody(c, &req); err != nil {
			return nil, err
		}
		start, err := parseTime(req.Start)
		if err != nil {
			return nil, err
		}
		end, err := parseTime(req.End)
		if err != nil {
			return nil, err
		}
		bs, err := s.bookings.Range(c.Request.Context(), start, end, req.ResourceID)
		if err != nil {
			return nil, err
		}
		return s.events(c.Request.Context(), u, bs)
	}))
}

// canModify checks that a non-manager may change the booking with id.
func (s *Server) canModify(ctx context.Context, u *model.User, id int) error {
	if u.IsManager() {
		return nil
	}
	b, err := s.store.GetBooking(ctx, id)
	if err != nil {
		return err
	}
	e, err := content.NewLoader(s.store).Event(ctx, u, b, content.EventOptions{})
	if err != nil {
		return err
	}
	if !e.UserCanModify {
		return fmt.Errorf("%w: You can not modify this booking", booking.ErrPermission)
	}
	return nil
}
