package drivertest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/heraldhq/herald/internal/deliverystore/driver"
	"github.com/heraldhq/herald/internal/idgen"
	"github.com/heraldhq/herald/internal/models"
	"github.com/heraldhq/herald/internal/pagination/paginationtest"
	"github.com/heraldhq/herald/internal/util/testutil"
	"github.com/stretchr/testify/require"
)

// testPagination runs the generic cursor suite against the driver, then the
// time-window cases the suite does not model.
func testPagination(t *testing.T, newHarness HarnessMaker) {
	t.Helper()

	ctx := context.Background()
	h, err := newHarness(ctx, t)
	require.NoError(t, err)
	t.Cleanup(h.Close)

	store, err := h.MakeDriver(ctx)
	require.NoError(t, err)

	baseTime := time.Now().UTC().Truncate(time.Second)

	newItem := func(idPrefix, userID string) func(i int) *models.DeliveryLog {
		return func(i int) *models.DeliveryLog {
			id := fmt.Sprintf("%s_dlg_%03d", idPrefix, i)
			eventType := models.EventTypeBirthday
			if i%2 == 1 {
				eventType = models.EventTypeAnniversary
			}
			return testutil.DeliveryLogFactory.AnyPointer(
				testutil.DeliveryLogFactory.WithID(id),
				testutil.DeliveryLogFactory.WithUserID(userID),
				testutil.DeliveryLogFactory.WithEventType(eventType),
				testutil.DeliveryLogFactory.WithScheduledSendTime(baseTime.Add(time.Duration(i)*time.Second)),
				testutil.DeliveryLogFactory.WithIdempotencyKey(id),
			)
		}
	}

	insertMany := func(ctx context.Context, items []*models.DeliveryLog) error {
		_, err := store.CreateScheduled(ctx, items)
		return err
	}

	t.Run("List", func(t *testing.T) {
		var userID, idPrefix string

		suite := paginationtest.Suite[*models.DeliveryLog]{
			Name: "List",

			Cleanup: func(ctx context.Context) error {
				// Old rows stay in the store; rotating the user scopes them out.
				userID = idgen.String()
				idPrefix = idgen.String()[:8]
				return nil
			},

			NewItem: func(i int) *models.DeliveryLog {
				return newItem(idPrefix, userID)(i)
			},

			InsertMany: insertMany,

			List: func(ctx context.Context, opts paginationtest.ListOpts) (paginationtest.ListResult[*models.DeliveryLog], error) {
				res, err := store.List(ctx, driver.ListRequest{
					UserID:    userID,
					Limit:     opts.Limit,
					SortOrder: opts.Order,
					Next:      opts.Next,
					Prev:      opts.Prev,
				})
				if err != nil {
					return paginationtest.ListResult[*models.DeliveryLog]{}, err
				}
				return paginationtest.ListResult[*models.DeliveryLog]{
					Items: res.Data,
					Next:  res.Next,
					Prev:  res.Prev,
				}, nil
			},

			GetID: func(l *models.DeliveryLog) string {
				return l.ID
			},
		}

		suite.Run(t)
	})

	t.Run("List_WithEventTypeFilter", func(t *testing.T) {
		var userID, idPrefix string

		suite := paginationtest.Suite[*models.DeliveryLog]{
			Name: "List_WithEventTypeFilter",

			Cleanup: func(ctx context.Context) error {
				userID = idgen.String()
				idPrefix = idgen.String()[:8]
				return nil
			},

			NewItem: func(i int) *models.DeliveryLog {
				return newItem(idPrefix, userID)(i)
			},

			InsertMany: insertMany,

			List: func(ctx context.Context, opts paginationtest.ListOpts) (paginationtest.ListResult[*models.DeliveryLog], error) {
				res, err := store.List(ctx, driver.ListRequest{
					UserID:     userID,
					EventTypes: []models.EventType{models.EventTypeBirthday},
					Limit:      opts.Limit,
					SortOrder:  opts.Order,
					Next:       opts.Next,
					Prev:       opts.Prev,
				})
				if err != nil {
					return paginationtest.ListResult[*models.DeliveryLog]{}, err
				}
				return paginationtest.ListResult[*models.DeliveryLog]{
					Items: res.Data,
					Next:  res.Next,
					Prev:  res.Prev,
				}, nil
			},

			GetID: func(l *models.DeliveryLog) string {
				return l.ID
			},

			Matches: func(l *models.DeliveryLog) bool {
				return l.EventType == models.EventTypeBirthday
			},
		}

		suite.Run(t)
	})

	// Cursors combined with a time window, the "page through one day of
	// deliveries" use case of the operations API.
	t.Run("TimeWindowPaging", func(t *testing.T) {
		userID := idgen.String()
		idPrefix := idgen.String()[:8]

		// 15 rows one minute apart. The window selects rows 5 through 9.
		var logs []*models.DeliveryLog
		for i := range 15 {
			id := fmt.Sprintf("%s_dlg_%03d", idPrefix, i)
			logs = append(logs, testutil.DeliveryLogFactory.AnyPointer(
				testutil.DeliveryLogFactory.WithID(id),
				testutil.DeliveryLogFactory.WithUserID(userID),
				testutil.DeliveryLogFactory.WithScheduledSendTime(baseTime.Add(time.Duration(i)*time.Minute)),
				testutil.DeliveryLogFactory.WithIdempotencyKey(id),
			))
		}
		_, err := store.CreateScheduled(ctx, logs)
		require.NoError(t, err)

		windowStart := baseTime.Add(5 * time.Minute)
		windowEnd := baseTime.Add(9 * time.Minute)

		t.Run("paginate within the window", func(t *testing.T) {
			var collected []string
			var next string
			pageCount := 0

			for {
				res, err := store.List(ctx, driver.ListRequest{
					UserID:     userID,
					Limit:      2,
					SortOrder:  "asc",
					Next:       next,
					TimeFilter: driver.TimeFilter{GTE: &windowStart, LTE: &windowEnd},
				})
				require.NoError(t, err)
				for _, log := range res.Data {
					collected = append(collected, log.ID)
				}
				pageCount++
				if res.Next == "" {
					break
				}
				next = res.Next
				if pageCount > 10 {
					t.Fatal("next cursor never ran out")
				}
			}

			require.Len(t, collected, 5)
			for i, id := range collected {
				require.Equal(t, fmt.Sprintf("%s_dlg_%03d", idPrefix, i+5), id)
			}
			require.Equal(t, 3, pageCount)
		})

		t.Run("prev cursor respects the window", func(t *testing.T) {
			page1, err := store.List(ctx, driver.ListRequest{
				UserID:     userID,
				Limit:      2,
				SortOrder:  "asc",
				TimeFilter: driver.TimeFilter{GTE: &windowStart, LTE: &windowEnd},
			})
			require.NoError(t, err)
			require.NotEmpty(t, page1.Next)

			page2, err := store.List(ctx, driver.ListRequest{
				UserID:     userID,
				Limit:      2,
				SortOrder:  "asc",
				Next:       page1.Next,
				TimeFilter: driver.TimeFilter{GTE: &windowStart, LTE: &windowEnd},
			})
			require.NoError(t, err)
			require.NotEmpty(t, page2.Prev)

			back, err := store.List(ctx, driver.ListRequest{
				UserID:     userID,
				Limit:      2,
				SortOrder:  "asc",
				Prev:       page2.Prev,
				TimeFilter: driver.TimeFilter{GTE: &windowStart, LTE: &windowEnd},
			})
			require.NoError(t, err)
			require.Len(t, back.Data, len(page1.Data))
			for i := range page1.Data {
				require.Equal(t, page1.Data[i].ID, back.Data[i].ID)
			}
		})
	})
}
