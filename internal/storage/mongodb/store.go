// Package mongodb stores events and reservations in MongoDB. Capacity is
// changed with conditional findAndModify calls and reservations rely on a
// unique index on transactionId. Multi-document units of work need a
// replica set because they run in session transactions.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ticketinventory/internal/inventory"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	eventsCollection       = "events"
	reservationsCollection = "reservations"
)

type venueDoc struct {
	ID            int64  `bson:"id"`
	Name          string `bson:"name"`
	Address       string `bson:"address"`
	TotalCapacity int64  `bson:"totalCapacity"`
}

type eventDoc struct {
	ID            int64                `bson:"_id"`
	Name          string               `bson:"name"`
	TotalCapacity int64                `bson:"totalCapacity"`
	LeftCapacity  int64                `bson:"leftCapacity"`
	TicketPrice   primitive.Decimal128 `bson:"ticketPrice"`
	Venue         venueDoc             `bson:"venue"`
}

type reservationDoc struct {
	ID               string    `bson:"_id"`
	TransactionID    string    `bson:"transactionId"`
	EventID          int64     `bson:"eventId"`
	UserID           int64     `bson:"userId"`
	TicketCount      int64     `bson:"ticketCount"`
	OriginalCapacity int64     `bson:"originalCapacity"`
	Status           string    `bson:"status"`
	CreatedAt        time.Time `bson:"createdAt"`
	ErrorMessage     string    `bson:"errorMessage,omitempty"`
	OutcomePending   bool      `bson:"outcomePending,omitempty"`
}

func (d reservationDoc) toDomain() inventory.Reservation {
	return inventory.Reservation{
		ID:               d.ID,
		TransactionID:    d.TransactionID,
		EventID:          d.EventID,
		UserID:           d.UserID,
		TicketCount:      d.TicketCount,
		OriginalCapacity: d.OriginalCapacity,
		Status:           inventory.Status(d.Status),
		CreatedAt:        d.CreatedAt.UTC(),
		ErrorMessage:     d.ErrorMessage,
		OutcomePending:   d.OutcomePending,
	}
}

func fromReservation(r inventory.Reservation) reservationDoc {
	return reservationDoc{
		ID:               r.ID,
		TransactionID:    r.TransactionID,
		EventID:          r.EventID,
		UserID:           r.UserID,
		TicketCount:      r.TicketCount,
		OriginalCapacity: r.OriginalCapacity,
		Status:           string(r.Status),
		CreatedAt:        r.CreatedAt,
		ErrorMessage:     r.ErrorMessage,
		OutcomePending:   r.OutcomePending,
	}
}

type Store struct {
	client       *mongo.Client
	events       *mongo.Collection
	reservations *mongo.Collection
}

var _ inventory.Store = (*Store)(nil)

func NewStore(client *mongo.Client, database string) *Store {
	db := client.Database(database)
	return &Store{
		client:       client,
		events:       db.Collection(eventsCollection),
		reservations: db.Collection(reservationsCollection),
	}
}

// Connect dials uri and pings the primary.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

// EnsureIndexes creates the reservation indexes, including the unique
// transactionId index the saga relies on for idempotency.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.reservations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "transactionId", Value: 1}}, Options: options.Index().SetUnique(true).SetName("transactionId_unique")},
		{Keys: bson.D{{Key: "eventId", Value: 1}}, Options: options.Index().SetName("eventId")},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "createdAt", Value: 1}}, Options: options.Index().SetName("status_createdAt")},
	})
	if err != nil {
		return fmt.Errorf("create reservation indexes: %w", err)
	}
	return nil
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if mongo.SessionFromContext(ctx) != nil {
		return fn(ctx)
	}

	sess, err := s.client.StartSession()
	if err != nil {
		return inventory.StorageError("start session", err)
	}
	defer sess.EndSession(context.WithoutCancel(ctx))

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}

func (s *Store) SaveEvent(ctx context.Context, e inventory.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	price, err := primitive.ParseDecimal128(e.TicketPrice.String())
	if err != nil {
		return fmt.Errorf("event %d: ticket price: %w", e.ID, err)
	}
	doc := eventDoc{
		ID:            e.ID,
		Name:          e.Name,
		TotalCapacity: e.TotalCapacity,
		LeftCapacity:  e.LeftCapacity,
		TicketPrice:   price,
		Venue: venueDoc{
			ID:            e.Venue.ID,
			Name:          e.Venue.Name,
			Address:       e.Venue.Address,
			TotalCapacity: e.Venue.TotalCapacity,
		},
	}
	_, err = s.events.ReplaceOne(ctx, bson.M{"_id": e.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return inventory.StorageError("save event", err)
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, eventID int64) (inventory.Event, error) {
	var doc eventDoc
	if err := s.events.FindOne(ctx, bson.M{"_id": eventID}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return inventory.Event{}, &inventory.EventNotFoundError{EventID: eventID}
		}
		return inventory.Event{}, inventory.StorageError("get event", err)
	}
	price, err := decimal.NewFromString(doc.TicketPrice.String())
	if err != nil {
		return inventory.Event{}, fmt.Errorf("event %d: parse ticket price: %w", eventID, err)
	}
	return inventory.Event{
		ID:            doc.ID,
		Name:          doc.Name,
		TotalCapacity: doc.TotalCapacity,
		LeftCapacity:  doc.LeftCapacity,
		TicketPrice:   price,
		Venue: inventory.Venue{
			ID:            doc.Venue.ID,
			Name:          doc.Venue.Name,
			Address:       doc.Venue.Address,
			TotalCapacity: doc.Venue.TotalCapacity,
		},
	}, nil
}

func (s *Store) TryReserve(ctx context.Context, eventID, count int64) (int64, error) {
	if count <= 0 {
		return 0, inventory.ErrInvalidTicketCount
	}
	var doc eventDoc
	err := s.events.FindOneAndUpdate(ctx,
		bson.M{"_id": eventID, "leftCapacity": bson.M{"$gte": count}},
		bson.M{"$inc": bson.M{"leftCapacity": -count}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err == nil {
		return doc.LeftCapacity, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return 0, inventory.StorageError("reserve capacity", err)
	}

	err = s.events.FindOne(ctx, bson.M{"_id": eventID},
		options.FindOne().SetProjection(bson.M{"leftCapacity": 1}),
	).Decode(&doc)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return 0, &inventory.EventNotFoundError{EventID: eventID}
	case err != nil:
		return 0, inventory.StorageError("read capacity", err)
	}
	return 0, &inventory.InsufficientCapacityError{EventID: eventID, Available: doc.LeftCapacity, Requested: count}
}

func (s *Store) Release(ctx context.Context, eventID, count int64) (inventory.ReleaseResult, error) {
	if count <= 0 {
		return inventory.ReleaseResult{}, inventory.ErrInvalidTicketCount
	}
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "leftCapacity", Value: bson.D{
				{Key: "$min", Value: bson.A{
					bson.D{{Key: "$add", Value: bson.A{"$leftCapacity", count}}},
					"$totalCapacity",
				}},
			}},
		}}},
	}
	var prev eventDoc
	err := s.events.FindOneAndUpdate(ctx, bson.M{"_id": eventID}, update,
		options.FindOneAndUpdate().SetReturnDocument(options.Before),
	).Decode(&prev)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return inventory.ReleaseResult{}, &inventory.EventNotFoundError{EventID: eventID}
		}
		return inventory.ReleaseResult{}, inventory.StorageError("release capacity", err)
	}

	res := inventory.ReleaseResult{Left: prev.LeftCapacity + count}
	if res.Left > prev.TotalCapacity {
		res.Overflow = res.Left - prev.TotalCapacity
		res.Left = prev.TotalCapacity
	}
	return res, nil
}

func (s *Store) Create(ctx context.Context, r inventory.Reservation) error {
	if _, err := s.reservations.InsertOne(ctx, fromReservation(r)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", inventory.ErrDuplicateTransaction, r.TransactionID)
		}
		return inventory.StorageError("create reservation", err)
	}
	return nil
}

func (s *Store) FindByTransactionID(ctx context.Context, transactionID string) (inventory.Reservation, error) {
	var doc reservationDoc
	if err := s.reservations.FindOne(ctx, bson.M{"transactionId": transactionID}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return inventory.Reservation{}, inventory.ErrReservationNotFound
		}
		return inventory.Reservation{}, inventory.StorageError("find reservation", err)
	}
	return doc.toDomain(), nil
}

func (s *Store) FindByEventID(ctx context.Context, eventID int64) ([]inventory.Reservation, error) {
	return s.find(ctx, "find reservations by event", bson.M{"eventId": eventID})
}

func (s *Store) FindByStatus(ctx context.Context, status inventory.Status) ([]inventory.Reservation, error) {
	return s.find(ctx, "find reservations by status", bson.M{"status": string(status)})
}

func (s *Store) FindStuck(ctx context.Context, cutoff time.Time) ([]inventory.Reservation, error) {
	return s.find(ctx, "find stuck reservations", bson.M{
		"status":    string(inventory.StatusReserved),
		"createdAt": bson.M{"$lt": cutoff},
	})
}

func (s *Store) UpdateStatus(ctx context.Context, transactionID string, from, to inventory.Status) error {
	if !inventory.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", inventory.ErrInvalidTransition, from, to)
	}
	res, err := s.reservations.UpdateOne(ctx,
		bson.M{"transactionId": transactionID, "status": string(from)},
		bson.M{"$set": bson.M{"status": string(to), "outcomePending": inventory.AnnouncesOutcome(to)}},
	)
	if err != nil {
		return inventory.StorageError("update reservation status", err)
	}
	if res.MatchedCount == 1 {
		return nil
	}

	current, err := s.FindByTransactionID(ctx, transactionID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s, not %s", inventory.ErrInvalidTransition, transactionID, current.Status, from)
}

func (s *Store) SetErrorMessage(ctx context.Context, transactionID, message string) error {
	res, err := s.reservations.UpdateOne(ctx,
		bson.M{"transactionId": transactionID},
		bson.M{"$set": bson.M{"errorMessage": message}},
	)
	if err != nil {
		return inventory.StorageError("set reservation error", err)
	}
	if res.MatchedCount == 0 {
		return inventory.ErrReservationNotFound
	}
	return nil
}

func (s *Store) MarkOutcomeSent(ctx context.Context, transactionID string, status inventory.Status) error {
	_, err := s.reservations.UpdateOne(ctx,
		bson.M{"transactionId": transactionID, "status": string(status), "outcomePending": true},
		bson.M{"$unset": bson.M{"outcomePending": ""}},
	)
	if err != nil {
		return inventory.StorageError("mark outcome sent", err)
	}
	return nil
}

func (s *Store) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.reservations.DeleteMany(ctx, bson.M{
		"status":    bson.M{"$in": bson.A{string(inventory.StatusCompensated), string(inventory.StatusFailed)}},
		"createdAt": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return 0, inventory.StorageError("delete old reservations", err)
	}
	return res.DeletedCount, nil
}

func (s *Store) CountByStatus(ctx context.Context) (map[inventory.Status]int64, error) {
	cur, err := s.reservations.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$status"},
			{Key: "n", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	})
	if err != nil {
		return nil, inventory.StorageError("count reservations", err)
	}
	defer cur.Close(ctx)

	counts := make(map[inventory.Status]int64, len(inventory.Statuses))
	for _, st := range inventory.Statuses {
		counts[st] = 0
	}
	for cur.Next(ctx) {
		var row struct {
			Status string `bson:"_id"`
			N      int64  `bson:"n"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, inventory.StorageError("count reservations", err)
		}
		counts[inventory.Status(row.Status)] = row.N
	}
	if err := cur.Err(); err != nil {
		return nil, inventory.StorageError("count reservations", err)
	}
	return counts, nil
}

func (s *Store) find(ctx context.Context, op string, filter bson.M) ([]inventory.Reservation, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "transactionId", Value: 1}})
	cur, err := s.reservations.Find(ctx, filter, opts)
	if err != nil {
		return nil, inventory.StorageError(op, err)
	}
	var docs []reservationDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, inventory.StorageError(op, err)
	}
	out := make([]inventory.Reservation, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toDomain())
	}
	return out, nil
}
