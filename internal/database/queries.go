package database

// User queries
const (
	upsertUserQuery = `
		INSERT INTO users (id, access_token, business_account_id, phone_number_id, verify_token)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			access_token = excluded.access_token,
			business_account_id = excluded.business_account_id,
			phone_number_id = excluded.phone_number_id,
			verify_token = excluded.verify_token,
			updated_at = CURRENT_TIMESTAMP
	`

	selectUserByIDQuery = `
		SELECT id, access_token, business_account_id, phone_number_id, verify_token,
		       created_at, updated_at
		FROM users
		WHERE id = ?
	`

	selectUserByPhoneNumberIDQuery = `
		SELECT id, access_token, business_account_id, phone_number_id, verify_token,
		       created_at, updated_at
		FROM users
		WHERE phone_number_id = ?
	`
)

// Contact queries
const (
	insertContactQuery = `
		INSERT INTO contacts (id, user_id, phone, name)
		VALUES (?, ?, ?, ?)
	`

	selectContactByIDQuery = `
		SELECT id, user_id, phone, name, created_at, updated_at
		FROM contacts
		WHERE id = ?
	`

	selectContactByPhoneQuery = `
		SELECT id, user_id, phone, name, created_at, updated_at
		FROM contacts
		WHERE user_id = ? AND phone = ?
	`

	updateContactQuery = `
		UPDATE contacts
		SET phone = ?, name = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
)

// Flow queries
const (
	upsertFlowQuery = `
		INSERT INTO flows (id, user_id, name, "trigger", status, channel, definition, meta_flow)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			"trigger" = excluded."trigger",
			status = excluded.status,
			channel = excluded.channel,
			definition = excluded.definition,
			meta_flow = excluded.meta_flow,
			updated_at = CURRENT_TIMESTAMP
	`

	selectFlowByIDQuery = `
		SELECT id, user_id, name, "trigger", status, channel, definition, meta_flow,
		       created_at, updated_at
		FROM flows
		WHERE id = ?
	`

	selectActiveFlowsQuery = `
		SELECT id, user_id, name, "trigger", status, channel, definition, meta_flow,
		       created_at, updated_at
		FROM flows
		WHERE user_id = ? AND status = ? AND channel = ?
		ORDER BY created_at ASC
	`
)

// Session queries
const (
	insertSessionQuery = `
		INSERT INTO sessions (id, contact_id, flow_id, status, current_node_id, context)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	selectSessionByIDQuery = `
		SELECT id, contact_id, flow_id, status, current_node_id, context,
		       created_at, updated_at
		FROM sessions
		WHERE id = ?
	`

	selectSessionByContactAndFlowQuery = `
		SELECT id, contact_id, flow_id, status, current_node_id, context,
		       created_at, updated_at
		FROM sessions
		WHERE contact_id = ? AND flow_id = ?
	`

	selectLatestOpenSessionQuery = `
		SELECT id, contact_id, flow_id, status, current_node_id, context,
		       created_at, updated_at
		FROM sessions
		WHERE contact_id = ? AND status IN (?, ?)
		ORDER BY updated_at DESC
		LIMIT 1
	`

	updateSessionQuery = `
		UPDATE sessions
		SET status = ?, current_node_id = ?, context = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
)

// Session log queries
const (
	insertSessionLogQuery = `
		INSERT INTO session_logs (id, session_id, status, context)
		VALUES (?, ?, ?, ?)
	`

	selectSessionLogsQuery = `
		SELECT id, session_id, status, context, created_at
		FROM session_logs
		WHERE session_id = ?
		ORDER BY created_at ASC
	`

	deleteOldSessionLogsQuery = `
		DELETE FROM session_logs
		WHERE created_at < datetime('now', '-' || ? || ' days')
	`
)

// Broadcast queries
const (
	insertBroadcastQuery = `
		INSERT INTO broadcasts (id, user_id, total_recipients, success_count, failure_count, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	selectBroadcastByIDQuery = `
		SELECT id, user_id, total_recipients, success_count, failure_count, status,
		       created_at, updated_at
		FROM broadcasts
		WHERE id = ?
	`

	insertBroadcastRecipientQuery = `
		INSERT INTO broadcast_recipients (id, broadcast_id, contact_id, status, error,
			status_updated_at, message_id, conversation_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	selectRecipientByMessageIDQuery = `
		SELECT r.id, r.broadcast_id, r.contact_id, r.status, r.error,
		       r.status_updated_at, r.message_id, r.conversation_id
		FROM broadcast_recipients r
		JOIN broadcasts b ON b.id = r.broadcast_id
		WHERE r.message_id = ? AND b.user_id = ?
	`

	updateRecipientStatusQuery = `
		UPDATE broadcast_recipients
		SET status = ?, error = ?, status_updated_at = ?, conversation_id = COALESCE(?, conversation_id)
		WHERE id = ?
	`

	adjustBroadcastCountsQuery = `
		UPDATE broadcasts
		SET success_count = success_count + ?,
		    failure_count = failure_count + ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
)
