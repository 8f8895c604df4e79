package session

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Session mutations lock the session row (SELECT ... FOR UPDATE) so the
//   join protocol and forced terminations serialize per token.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "orbit").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("session: empty schema")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "orbit"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("session: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

func (s *PostgresStore) table(name string) string {
	return pgx.Identifier{s.schema, name}.Sanitize()
}

func (s *PostgresStore) CountRecentRequests(ctx context.Context, id Identifier, since time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var n int
	var err error
	if id.Kind == IdentifierClientIdentity {
		err = s.pool.QueryRow(ctx,
			`SELECT count(*) FROM `+s.table("token_request_log")+`
			  WHERE client_identity = $1 AND created_at >= $2`,
			id.Value, since,
		).Scan(&n)
	} else {
		err = s.pool.QueryRow(ctx,
			`SELECT count(*) FROM `+s.table("token_request_log")+`
			  WHERE ip_address = $1 AND created_at >= $2`,
			id.Value, since,
		).Scan(&n)
	}
	return n, err
}

func (s *PostgresStore) IssueSession(ctx context.Context, sess Session, log RequestLogRecord) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	if strings.TrimSpace(sess.Token) == "" {
		return Session{}, ErrInvalidInput
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return Session{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO `+s.table("sessions")+` (
		     token, status, validity_expires_at, ttl_seconds, message_char_limit,
		     created_at, started_at, ended_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sess.Token, string(sess.Status), sess.ValidityExpiresAt, sess.TTLSeconds,
		sess.MessageCharLimit, sess.CreatedAt, sess.StartedAt, sess.EndedAt,
	)
	if err != nil {
		return Session{}, err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO `+s.table("token_request_log")+` (
		     session_token, ip_address, internal_ip_address, client_identity, created_at
		   ) VALUES ($1, $2, $3, $4, $5)`,
		sess.Token, log.IPAddress, log.InternalIPAddress, log.ClientIdentity, log.CreatedAt,
	)
	if err != nil {
		return Session{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Session{}, err
	}
	return sess, nil
}

func (s *PostgresStore) JoinSession(ctx context.Context, token string, req JoinRequest) (JoinOutcome, Session, error) {
	if err := ctx.Err(); err != nil {
		return JoinOutcome{}, Session{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return JoinOutcome{}, Session{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	sess, err := s.lockSession(ctx, tx, token)
	if err != nil {
		return JoinOutcome{}, Session{}, err
	}
	advanced := Advance(sess, req.Now)

	out, joinErr := ApplyJoin(sess, req)
	if joinErr != nil {
		// The lazy transition must stick even when the join is rejected.
		if advanced {
			if err := s.updateSessionRow(ctx, tx, sess); err != nil {
				return JoinOutcome{}, Session{}, err
			}
			if err := tx.Commit(ctx); err != nil {
				return JoinOutcome{}, Session{}, err
			}
		}
		return JoinOutcome{}, Session{}, joinErr
	}

	if advanced || out.Activated {
		if err := s.updateSessionRow(ctx, tx, sess); err != nil {
			return JoinOutcome{}, Session{}, err
		}
	}

	switch {
	case out.Created:
		_, err = tx.Exec(ctx,
			`INSERT INTO `+s.table("session_participants")+` (
			     id, session_token, role, ip_address, internal_ip_address,
			     client_identity, request_headers, joined_at
			   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			out.Participant.ID, token, string(out.Participant.Role),
			out.Participant.IPAddress, out.Participant.InternalIPAddress,
			out.Participant.ClientIdentity, out.Participant.RequestHeaders,
			out.Participant.JoinedAt,
		)
	case out.Updated:
		_, err = tx.Exec(ctx,
			`UPDATE `+s.table("session_participants")+`
			    SET ip_address = $1, internal_ip_address = $2,
			        client_identity = $3, request_headers = $4
			  WHERE id = $5 AND session_token = $6`,
			out.Participant.IPAddress, out.Participant.InternalIPAddress,
			out.Participant.ClientIdentity, out.Participant.RequestHeaders,
			out.Participant.ID, token,
		)
	}
	if err != nil {
		return JoinOutcome{}, Session{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return JoinOutcome{}, Session{}, err
	}
	return out, *sess, nil
}

func (s *PostgresStore) SessionStatus(ctx context.Context, token string, now time.Time) (Session, error) {
	return s.advanceSession(ctx, token, now, func(sess *Session) bool { return false })
}

func (s *PostgresStore) DeleteSession(ctx context.Context, token string, now time.Time) (Session, error) {
	return s.advanceSession(ctx, token, now, func(sess *Session) bool {
		return Terminate(sess, StatusDeleted, now)
	})
}

func (s *PostgresStore) CloseSession(ctx context.Context, token string, now time.Time) (Session, error) {
	return s.advanceSession(ctx, token, now, func(sess *Session) bool {
		return Terminate(sess, StatusClosed, now)
	})
}

// advanceSession loads a session under lock, applies Advance plus an extra
// mutation, persists any change, and returns the fresh snapshot.
func (s *PostgresStore) advanceSession(ctx context.Context, token string, now time.Time, mutate func(*Session) bool) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return Session{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	sess, err := s.lockSession(ctx, tx, token)
	if err != nil {
		return Session{}, err
	}

	changed := Advance(sess, now)
	if mutate(sess) {
		changed = true
	}
	if changed {
		if err := s.updateSessionRow(ctx, tx, sess); err != nil {
			return Session{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Session{}, err
	}
	return *sess, nil
}

func (s *PostgresStore) GetParticipant(ctx context.Context, token, participantID string, now time.Time) (Participant, Session, error) {
	sess, err := s.SessionStatus(ctx, token, now)
	if err != nil {
		return Participant{}, Session{}, err
	}
	for i := range sess.Participants {
		if sess.Participants[i].ID == participantID {
			return sess.Participants[i], sess, nil
		}
	}
	return Participant{}, Session{}, ErrNotFound
}

func (s *PostgresStore) FileReport(ctx context.Context, in ReportInput) (Report, Session, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, Session{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return Report{}, Session{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	sess, err := s.lockSession(ctx, tx, in.Token)
	if err != nil {
		return Report{}, Session{}, err
	}
	changed := Advance(sess, in.Now)

	draft, terminated := BuildReport(sess, in)
	if changed || terminated {
		if err := s.updateSessionRow(ctx, tx, sess); err != nil {
			return Report{}, Session{}, err
		}
	}

	remotes, err := json.Marshal(draft.RemoteParticipants)
	if err != nil {
		return Report{}, Session{}, err
	}
	questionnaire, err := json.Marshal(draft.Questionnaire)
	if err != nil {
		return Report{}, Session{}, err
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO `+s.table("abuse_reports")+` (
		     session_token, reporter_email, reporter_ip, participant_id,
		     remote_participants, summary, questionnaire, status,
		     escalation_step, admin_notes, created_at, updated_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL, NULL, $9, $9)
		 RETURNING id`,
		draft.SessionToken, draft.ReporterEmail, draft.ReporterIP, draft.ParticipantID,
		string(remotes), draft.Summary, string(questionnaire), string(draft.Status),
		draft.CreatedAt,
	).Scan(&draft.ID)
	if err != nil {
		return Report{}, Session{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Report{}, Session{}, err
	}
	return draft, *sess, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, f ListSessionsFilter) ([]Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	q := `SELECT token, status, validity_expires_at, ttl_seconds, message_char_limit,
	             created_at, started_at, ended_at
	        FROM ` + s.table("sessions") + ` s WHERE true`
	args := make([]any, 0, 4)

	switch f.StatusFilter {
	case "active":
		args = append(args, string(StatusActive))
		q += ` AND status = $` + itoa(len(args))
	case "inactive":
		args = append(args,
			[]string{string(StatusClosed), string(StatusExpired), string(StatusDeleted)})
		q += ` AND status = ANY($` + itoa(len(args)) + `)`
	}
	if f.TokenQuery != "" {
		args = append(args, "%"+f.TokenQuery+"%")
		q += ` AND token ILIKE $` + itoa(len(args))
	}
	if f.AddressQuery != "" {
		args = append(args, "%"+f.AddressQuery+"%")
		n := itoa(len(args))
		q += ` AND EXISTS (
		         SELECT 1 FROM ` + s.table("session_participants") + ` p
		          WHERE p.session_token = s.token
		            AND (p.ip_address ILIKE $` + n + ` OR p.internal_ip_address ILIKE $` + n + `))`
	}
	args = append(args, limit)
	q += ` ORDER BY created_at DESC LIMIT $` + itoa(len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	tokens := make([]string, 0, limit)
	for rows.Next() {
		var sess Session
		if err := scanSession(rows, &sess); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
		tokens = append(tokens, sess.Token)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return sessions, nil
	}

	byToken := make(map[string]*Session, len(sessions))
	for i := range sessions {
		byToken[sessions[i].Token] = &sessions[i]
	}

	prows, err := s.pool.Query(ctx,
		`SELECT session_token, id, role, ip_address, internal_ip_address,
		        client_identity, request_headers, joined_at
		   FROM `+s.table("session_participants")+`
		  WHERE session_token = ANY($1)
		  ORDER BY joined_at ASC`,
		tokens,
	)
	if err != nil {
		return nil, err
	}
	defer prows.Close()

	for prows.Next() {
		var token string
		var p Participant
		if err := prows.Scan(&token, &p.ID, &p.Role, &p.IPAddress, &p.InternalIPAddress,
			&p.ClientIdentity, &p.RequestHeaders, &p.JoinedAt); err != nil {
			return nil, err
		}
		if sess := byToken[token]; sess != nil {
			sess.Participants = append(sess.Participants, p)
		}
	}
	return sessions, prows.Err()
}

func (s *PostgresStore) ListRateLimitLocks(ctx context.Context, threshold int, since time.Time) ([]RateLimitLock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if threshold <= 0 {
		return nil, nil
	}
	windowSeconds := int(time.Since(since).Seconds())

	var locks []RateLimitLock

	rows, err := s.pool.Query(ctx,
		`SELECT client_identity, count(*), max(created_at)
		   FROM `+s.table("token_request_log")+`
		  WHERE client_identity IS NOT NULL AND created_at >= $1
		  GROUP BY client_identity
		 HAVING count(*) >= $2`,
		since, threshold,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var lock RateLimitLock
		if err := rows.Scan(&lock.Identifier, &lock.RequestCount, &lock.LastRequestAt); err != nil {
			return nil, err
		}
		lock.IdentifierType = IdentifierClientIdentity
		lock.WindowSeconds = windowSeconds
		locks = append(locks, lock)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	arows, err := s.pool.Query(ctx,
		`SELECT ip_address, count(*), max(created_at)
		   FROM `+s.table("token_request_log")+`
		  WHERE client_identity IS NULL AND created_at >= $1
		  GROUP BY ip_address
		 HAVING count(*) >= $2`,
		since, threshold,
	)
	if err != nil {
		return nil, err
	}
	defer arows.Close()
	for arows.Next() {
		var lock RateLimitLock
		if err := arows.Scan(&lock.Identifier, &lock.RequestCount, &lock.LastRequestAt); err != nil {
			return nil, err
		}
		lock.IdentifierType = IdentifierIPAddress
		lock.WindowSeconds = windowSeconds
		locks = append(locks, lock)
	}
	if err := arows.Err(); err != nil {
		return nil, err
	}

	sortLocksByLastRequest(locks)
	return locks, nil
}

func (s *PostgresStore) ResetRateLimit(ctx context.Context, id Identifier, since time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var tag string
	var args []any
	if id.Kind == IdentifierClientIdentity {
		tag = `DELETE FROM ` + s.table("token_request_log") + `
		        WHERE client_identity = $1 AND created_at >= $2`
		args = []any{id.Value, since}
	} else {
		tag = `DELETE FROM ` + s.table("token_request_log") + `
		        WHERE client_identity IS NULL AND ip_address = $1 AND created_at >= $2`
		args = []any{id.Value, since}
	}

	res, err := s.pool.Exec(ctx, tag, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

func (s *PostgresStore) ListReports(ctx context.Context, f ListReportsFilter) ([]Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	q := reportColumns + ` FROM ` + s.table("abuse_reports") + ` WHERE true`
	args := make([]any, 0, 2)
	switch {
	case f.Unresolved:
		args = append(args, []string{
			string(ReportOpen), string(ReportAcknowledged), string(ReportInvestigating)})
		q += ` AND status = ANY($` + itoa(len(args)) + `)`
	case f.Status != nil:
		args = append(args, string(*f.Status))
		q += ` AND status = $` + itoa(len(args))
	}
	args = append(args, limit)
	q += ` ORDER BY created_at DESC LIMIT $` + itoa(len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

func (s *PostgresStore) GetReport(ctx context.Context, id int64) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}

	row := s.pool.QueryRow(ctx,
		reportColumns+` FROM `+s.table("abuse_reports")+` WHERE id = $1`, id)
	r, err := scanReport(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Report{}, ErrNotFound
		}
		return Report{}, err
	}
	return r, nil
}

func (s *PostgresStore) UpdateReport(ctx context.Context, in ReportUpdate) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return Report{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx,
		reportColumns+` FROM `+s.table("abuse_reports")+` WHERE id = $1 FOR UPDATE`, in.ID)
	r, err := scanReport(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Report{}, ErrNotFound
		}
		return Report{}, err
	}

	if applyReportUpdate(&r, in) {
		r.UpdatedAt = in.Now
		_, err = tx.Exec(ctx,
			`UPDATE `+s.table("abuse_reports")+`
			    SET status = $1, escalation_step = $2, admin_notes = $3, updated_at = $4
			  WHERE id = $5`,
			string(r.Status), r.EscalationStep, r.AdminNotes, r.UpdatedAt, r.ID,
		)
		if err != nil {
			return Report{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Report{}, err
	}
	return r, nil
}

// ---- row helpers ----

const reportColumns = `SELECT id, session_token, reporter_email, reporter_ip, participant_id,
	remote_participants, summary, questionnaire, status, escalation_step,
	admin_notes, created_at, updated_at`

// lockSession loads a session row FOR UPDATE plus its participants.
func (s *PostgresStore) lockSession(ctx context.Context, tx pgx.Tx, token string) (*Session, error) {
	var sess Session
	row := tx.QueryRow(ctx,
		`SELECT token, status, validity_expires_at, ttl_seconds, message_char_limit,
		        created_at, started_at, ended_at
		   FROM `+s.table("sessions")+`
		  WHERE token = $1
		    FOR UPDATE`,
		token,
	)
	if err := scanSession(row, &sess); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	rows, err := tx.Query(ctx,
		`SELECT id, role, ip_address, internal_ip_address, client_identity,
		        request_headers, joined_at
		   FROM `+s.table("session_participants")+`
		  WHERE session_token = $1
		  ORDER BY joined_at ASC`,
		token,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ID, &p.Role, &p.IPAddress, &p.InternalIPAddress,
			&p.ClientIdentity, &p.RequestHeaders, &p.JoinedAt); err != nil {
			return nil, err
		}
		sess.Participants = append(sess.Participants, p)
	}
	return &sess, rows.Err()
}

func (s *PostgresStore) updateSessionRow(ctx context.Context, tx pgx.Tx, sess *Session) error {
	_, err := tx.Exec(ctx,
		`UPDATE `+s.table("sessions")+`
		    SET status = $1, started_at = $2, ended_at = $3
		  WHERE token = $4`,
		string(sess.Status), sess.StartedAt, sess.EndedAt, sess.Token,
	)
	return err
}

func scanSession(row pgx.Row, sess *Session) error {
	var status string
	if err := row.Scan(&sess.Token, &status, &sess.ValidityExpiresAt, &sess.TTLSeconds,
		&sess.MessageCharLimit, &sess.CreatedAt, &sess.StartedAt, &sess.EndedAt); err != nil {
		return err
	}
	sess.Status = Status(status)
	return nil
}

func scanReport(row pgx.Row) (Report, error) {
	var r Report
	var status string
	var remotes, questionnaire string
	if err := row.Scan(&r.ID, &r.SessionToken, &r.ReporterEmail, &r.ReporterIP,
		&r.ParticipantID, &remotes, &r.Summary, &questionnaire, &status,
		&r.EscalationStep, &r.AdminNotes, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return Report{}, err
	}
	r.Status = ReportStatus(status)
	if remotes != "" {
		if err := json.Unmarshal([]byte(remotes), &r.RemoteParticipants); err != nil {
			return Report{}, err
		}
	}
	if questionnaire != "" {
		if err := json.Unmarshal([]byte(questionnaire), &r.Questionnaire); err != nil {
			return Report{}, err
		}
	}
	return r, nil
}

func sortLocksByLastRequest(locks []RateLimitLock) {
	sort.Slice(locks, func(i, j int) bool {
		return locks[i].LastRequestAt.After(locks[j].LastRequestAt)
	})
}

func itoa(n int) string { return strconv.Itoa(n) }
