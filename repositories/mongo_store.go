package repositories

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"taskboard/microservices/tasks-service/apperrors"
	"taskboard/microservices/tasks-service/logging"
	"taskboard/microservices/tasks-service/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

// Mongo server error codes that mean "another transaction holds this
// document".
const (
	mongoWriteConflict     = 112
	mongoLockTimeout       = 24
	mongoMaxTimeExpired    = 50
	mongoNoSuchTransaction = 251
)

// MongoStore keeps boards, columns, memberships and tasks in one database.
// Transactions run on a session with snapshot reads and majority writes;
// column documents are written first by every ordering transaction so that
// overlapping transactions hit a WriteConflict instead of both committing.
type MongoStore struct {
	client        *mongo.Client
	maxCommitTime time.Duration
	mongoOps
}

func NewMongoStore(client *mongo.Client, dbName string, maxCommitTime time.Duration) *MongoStore {
	db := client.Database(dbName)
	return &MongoStore{
		client:        client,
		maxCommitTime: maxCommitTime,
		mongoOps: mongoOps{
			tasks:       db.Collection("tasks"),
			columns:     db.Collection("columns"),
			boards:      db.Collection("boards"),
			memberships: db.Collection("memberships"),
		},
	}
}

// EnsureIndexes creates the indexes listings and membership checks rely on.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	taskIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "board", Value: 1}}},
		{Keys: bson.D{{Key: "column", Value: 1}, {Key: "order", Value: 1}}},
		{Keys: bson.D{{Key: "title", Value: "text"}}},
	}
	if _, err := s.tasks.Indexes().CreateMany(ctx, taskIndexes); err != nil {
		return fmt.Errorf("failed to create task indexes: %w", err)
	}
	columnIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: "board", Value: 1}, {Key: "order", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := s.columns.Indexes().CreateOne(ctx, columnIndex); err != nil {
		return fmt.Errorf("failed to create column index: %w", err)
	}
	membershipIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: "board", Value: 1}, {Key: "user", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := s.memberships.Indexes().CreateOne(ctx, membershipIndex); err != nil {
		return fmt.Errorf("failed to create membership index: %w", err)
	}
	logging.Logger.Info("Event ID: DB_INDEXES_READY, Description: MongoDB indexes ensured")
	return nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return classifyMongo(fmt.Errorf("start session: %w", err))
	}
	defer sess.EndSession(context.WithoutCancel(ctx))

	txOpts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())
	if s.maxCommitTime > 0 {
		txOpts.SetMaxCommitTime(&s.maxCommitTime)
	}
	if err := sess.StartTransaction(txOpts); err != nil {
		return classifyMongo(fmt.Errorf("start transaction: %w", err))
	}

	sc := mongo.NewSessionContext(ctx, sess)
	if err := fn(sc, &s.mongoOps); err != nil {
		s.abort(ctx, sess, err)
		return classifyMongo(err)
	}
	if err := sess.CommitTransaction(sc); err != nil {
		return classifyMongo(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// abort runs even when ctx is already cancelled so the server releases the
// transaction's locks promptly.
func (s *MongoStore) abort(ctx context.Context, sess mongo.Session, cause error) {
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := sess.AbortTransaction(abortCtx); err != nil {
		logging.Logger.Debugf("Event ID: TX_ABORT_FAILED, Description: abort after %v: %v", cause, err)
	}
}

// ListTasks reads the count and the page from one snapshot so the total and
// the items describe the same committed state.
func (s *MongoStore) ListTasks(ctx context.Context, boardID primitive.ObjectID, filter models.TaskFilter, page models.PageRequest) ([]models.Task, int64, error) {
	sess, err := s.client.StartSession(options.Session().SetSnapshot(true))
	if err != nil {
		return nil, 0, classifyMongo(fmt.Errorf("start snapshot session: %w", err))
	}
	defer sess.EndSession(context.WithoutCancel(ctx))

	var (
		tasks []models.Task
		total int64
	)
	err = mongo.WithSession(ctx, sess, func(sc mongo.SessionContext) error {
		var err error
		tasks, total, err = s.mongoOps.ListTasks(sc, boardID, filter, page)
		return err
	})
	if err != nil {
		return nil, 0, classifyMongo(err)
	}
	return tasks, total, nil
}

func classifyMongo(err error) error {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return apperrors.Wrap(apperrors.NotFound, "not found", err)
	}
	var se mongo.ServerError
	if errors.As(err, &se) {
		if se.HasErrorLabel("TransientTransactionError") || se.HasErrorLabel("UnknownTransactionCommitResult") ||
			se.HasErrorCode(mongoWriteConflict) || se.HasErrorCode(mongoLockTimeout) ||
			se.HasErrorCode(mongoMaxTimeExpired) || se.HasErrorCode(mongoNoSuchTransaction) {
			return apperrors.Wrap(apperrors.Conflict, "column is being modified concurrently, retry", err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || mongo.IsTimeout(err) {
		return apperrors.Wrap(apperrors.Conflict, "timed out waiting for column lock, retry", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return apperrors.Wrap(apperrors.Internal, "storage failure", err)
}

// mongoOps implements Reader and Tx. Inside a transaction the ctx carries the
// session, so the same methods serve both.
type mongoOps struct {
	tasks       *mongo.Collection
	columns     *mongo.Collection
	boards      *mongo.Collection
	memberships *mongo.Collection
}

func (o *mongoOps) GetTask(ctx context.Context, taskID primitive.ObjectID) (*models.Task, error) {
	var task models.Task
	err := o.tasks.FindOne(ctx, bson.M{"_id": taskID}).Decode(&task)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperrors.NotFoundf("task not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

func (o *mongoOps) GetBoard(ctx context.Context, boardID primitive.ObjectID) (*models.Board, error) {
	var board models.Board
	err := o.boards.FindOne(ctx, bson.M{"_id": boardID}).Decode(&board)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperrors.NotFoundf("board not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get board: %w", err)
	}
	return &board, nil
}

func (o *mongoOps) GetMembership(ctx context.Context, boardID, userID primitive.ObjectID) (*models.Membership, error) {
	var m models.Membership
	err := o.memberships.FindOne(ctx, bson.M{"board": boardID, "user": userID}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperrors.NotFoundf("membership not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get membership: %w", err)
	}
	return &m, nil
}

func (o *mongoOps) ListColumns(ctx context.Context, boardID primitive.ObjectID) ([]models.Column, error) {
	cursor, err := o.columns.Find(ctx, bson.M{"board": boardID}, options.Find().SetSort(bson.D{{Key: "order", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	var columns []models.Column
	if err := cursor.All(ctx, &columns); err != nil {
		return nil, fmt.Errorf("decode columns: %w", err)
	}
	return columns, nil
}

func taskListFilter(boardID primitive.ObjectID, filter models.TaskFilter) bson.M {
	query := bson.M{"board": boardID}
	if filter.ColumnID != nil {
		query["column"] = *filter.ColumnID
	}
	if filter.AssignedTo != nil {
		query["assignedTo"] = *filter.AssignedTo
	}
	if q := strings.TrimSpace(filter.Query); q != "" {
		query["$text"] = bson.M{"$search": q}
	}
	if filter.DueFrom != nil || filter.DueTo != nil {
		due := bson.M{}
		if filter.DueFrom != nil {
			due["$gte"] = *filter.DueFrom
		}
		if filter.DueTo != nil {
			due["$lte"] = *filter.DueTo
		}
		query["dueDate"] = due
	}
	return query
}

func (o *mongoOps) ListTasks(ctx context.Context, boardID primitive.ObjectID, filter models.TaskFilter, page models.PageRequest) ([]models.Task, int64, error) {
	query := taskListFilter(boardID, filter)
	page = page.Normalize()

	total, err := o.tasks.CountDocuments(ctx, query)
	if err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	findOpts := options.Find().
		SetSort(bson.D{{Key: "column", Value: 1}, {Key: "order", Value: 1}, {Key: "_id", Value: 1}}).
		SetSkip(int64(page.Offset())).
		SetLimit(int64(page.Limit))
	cursor, err := o.tasks.Find(ctx, query, findOpts)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	var tasks []models.Task
	if err := cursor.All(ctx, &tasks); err != nil {
		return nil, 0, fmt.Errorf("decode tasks: %w", err)
	}
	return tasks, total, nil
}

func (o *mongoOps) GetColumn(ctx context.Context, boardID, columnID primitive.ObjectID) (*models.Column, error) {
	var column models.Column
	err := o.columns.FindOne(ctx, bson.M{"_id": columnID, "board": boardID}).Decode(&column)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperrors.NotFoundf("column not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get column: %w", err)
	}
	return &column, nil
}

func (o *mongoOps) LockColumn(ctx context.Context, columnID primitive.ObjectID) error {
	res, err := o.columns.UpdateOne(ctx, bson.M{"_id": columnID}, bson.M{
		"$inc": bson.M{"revision": 1},
		"$set": bson.M{"updatedAt": time.Now().UTC()},
	})
	if err != nil {
		return fmt.Errorf("lock column: %w", err)
	}
	if res.MatchedCount == 0 {
		return apperrors.NotFoundf("column not found")
	}
	return nil
}

func (o *mongoOps) ColumnTasks(ctx context.Context, columnID primitive.ObjectID) ([]models.Task, error) {
	cursor, err := o.tasks.Find(ctx, bson.M{"column": columnID},
		options.Find().SetSort(bson.D{{Key: "order", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("load column tasks: %w", err)
	}
	var tasks []models.Task
	if err := cursor.All(ctx, &tasks); err != nil {
		return nil, fmt.Errorf("decode column tasks: %w", err)
	}
	return tasks, nil
}

func (o *mongoOps) MaxOrder(ctx context.Context, columnID primitive.ObjectID) (int, error) {
	var last struct {
		Order int `bson:"order"`
	}
	err := o.tasks.FindOne(ctx, bson.M{"column": columnID},
		options.FindOne().SetSort(bson.D{{Key: "order", Value: -1}}).SetProjection(bson.M{"order": 1})).Decode(&last)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return -1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("max order: %w", err)
	}
	return last.Order, nil
}

func (o *mongoOps) InsertTask(ctx context.Context, task *models.Task) error {
	if task.Labels == nil {
		task.Labels = []string{}
	}
	if _, err := o.tasks.InsertOne(ctx, task); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (o *mongoOps) UpdateTask(ctx context.Context, taskID primitive.ObjectID, patch models.TaskPatch, updatedBy primitive.ObjectID, at time.Time) (*models.Task, error) {
	set := bson.M{"updatedBy": updatedBy, "updatedAt": at}
	unset := bson.M{}
	if patch.Title != nil {
		set["title"] = *patch.Title
	}
	if patch.Description != nil {
		set["description"] = *patch.Description
	}
	if patch.ClearAssignee {
		unset["assignedTo"] = ""
	} else if patch.AssignedTo != nil {
		set["assignedTo"] = *patch.AssignedTo
	}
	if patch.ClearDueDate {
		unset["dueDate"] = ""
	} else if patch.DueDate != nil {
		set["dueDate"] = *patch.DueDate
	}
	if patch.Priority != nil {
		set["priority"] = *patch.Priority
	}
	if patch.Labels != nil {
		set["labels"] = nonNilLabels(*patch.Labels)
	}
	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}

	var task models.Task
	err := o.tasks.FindOneAndUpdate(ctx, bson.M{"_id": taskID}, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&task)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperrors.NotFoundf("task not found")
	}
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	return &task, nil
}

func (o *mongoOps) DeleteTask(ctx context.Context, taskID primitive.ObjectID) error {
	res, err := o.tasks.DeleteOne(ctx, bson.M{"_id": taskID})
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if res.DeletedCount == 0 {
		return apperrors.NotFoundf("task not found")
	}
	return nil
}

func (o *mongoOps) SetOrders(ctx context.Context, orders []OrderAssignment) error {
	if len(orders) == 0 {
		return nil
	}
	sorted := append([]OrderAssignment(nil), orders...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID.Hex() < sorted[j].ID.Hex() })

	writes := make([]mongo.WriteModel, 0, len(sorted))
	for _, a := range sorted {
		writes = append(writes, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": a.ID}).
			SetUpdate(bson.M{"$set": bson.M{"order": a.Order}}))
	}
	if _, err := o.tasks.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(true)); err != nil {
		return fmt.Errorf("write task orders: %w", err)
	}
	return nil
}

func (o *mongoOps) MoveToColumn(ctx context.Context, taskID, columnID, updatedBy primitive.ObjectID, at time.Time) error {
	res, err := o.tasks.UpdateOne(ctx, bson.M{"_id": taskID}, bson.M{
		"$set": bson.M{"column": columnID, "updatedBy": updatedBy, "updatedAt": at},
	})
	if err != nil {
		return fmt.Errorf("reassign column: %w", err)
	}
	if res.MatchedCount == 0 {
		return apperrors.NotFoundf("task not found")
	}
	return nil
}

func (o *mongoOps) InsertBoard(ctx context.Context, board *models.Board) error {
	if _, err := o.boards.InsertOne(ctx, board); err != nil {
		return fmt.Errorf("insert board: %w", err)
	}
	return nil
}

func (o *mongoOps) InsertColumn(ctx context.Context, column *models.Column) error {
	if _, err := o.columns.InsertOne(ctx, column); err != nil {
		return fmt.Errorf("insert column: %w", err)
	}
	return nil
}

func (o *mongoOps) UpsertMembership(ctx context.Context, m models.Membership) error {
	update := bson.M{
		"$set":         bson.M{"role": m.Role, "invitedBy": m.InvitedBy},
		"$setOnInsert": bson.M{"joinedAt": m.JoinedAt},
	}
	_, err := o.memberships.UpdateOne(ctx, bson.M{"board": m.BoardID, "user": m.UserID}, update,
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}
