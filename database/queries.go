package database

// SQL statements used by the SQLite store. Monetary values are stored as
// TEXT and parsed with shopspring/decimal; aggregate rows carry a version
// column so updates are conditional (optimistic locking) and the
// insufficient-balance check always commits against the snapshot it read.
const (
	queryInsertQuote = `
		INSERT INTO quotes (id, service_id, amount_usd, payment_address, payment_asset, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	queryGetQuote = `
		SELECT id, service_id, amount_usd, payment_address, payment_asset, expires_at, created_at
		FROM quotes WHERE id = ?`

	queryInsertPayment = `
		INSERT INTO payments (id, quote_id, tx_ref, verified, verified_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	queryGetPaymentByTxRef = `
		SELECT id, quote_id, tx_ref, verified, verified_at, created_at
		FROM payments WHERE tx_ref = ?`

	queryMarkPaymentVerified = `
		UPDATE payments SET verified = 1, verified_at = ? WHERE id = ? AND verified = 0`

	queryInsertAccount = `
		INSERT INTO user_accounts (wallet, balance_usd, total_deposited, total_spent, version, created_at, updated_at)
		VALUES (?, '0', '0', '0', 1, ?, ?)
		ON CONFLICT(wallet) DO NOTHING`

	queryGetAccount = `
		SELECT wallet, balance_usd, total_deposited, total_spent, created_at, updated_at
		FROM user_accounts WHERE wallet = ?`

	queryGetAccountForUpdate = `
		SELECT balance_usd, total_deposited, total_spent, version
		FROM user_accounts WHERE wallet = ?`

	queryListAccounts = `
		SELECT wallet, balance_usd, total_deposited, total_spent, created_at, updated_at
		FROM user_accounts ORDER BY wallet`

	queryUpdateAccount = `
		UPDATE user_accounts
		SET balance_usd = ?, total_deposited = ?, total_spent = ?, version = version + 1, updated_at = ?
		WHERE wallet = ? AND version = ?`

	queryInsertLedgerEntry = `
		INSERT INTO account_transactions (id, wallet, type, amount_usd, service_id, description, tx_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	queryInsertAPIKey = `
		INSERT INTO api_keys (id, wallet, key_hash, masked_key, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	queryGetAPIKeyByHash = `
		SELECT id, wallet, key_hash, masked_key, active, created_at
		FROM api_keys WHERE key_hash = ?`

	queryInsertEarnings = `
		INSERT INTO creator_earnings (creator_id, available_balance, total_earned, total_withdrawn, version, updated_at)
		VALUES (?, '0', '0', '0', 1, ?)
		ON CONFLICT(creator_id) DO NOTHING`

	queryGetEarnings = `
		SELECT creator_id, available_balance, total_earned, total_withdrawn, updated_at
		FROM creator_earnings WHERE creator_id = ?`

	queryGetEarningsForUpdate = `
		SELECT available_balance, total_earned, total_withdrawn, version
		FROM creator_earnings WHERE creator_id = ?`

	queryUpdateEarnings = `
		UPDATE creator_earnings
		SET available_balance = ?, total_earned = ?, total_withdrawn = ?, version = version + 1, updated_at = ?
		WHERE creator_id = ? AND version = ?`

	queryInsertWithdrawal = `
		INSERT INTO withdrawal_requests (id, creator_id, amount_usd, payout_address, status, tx_ref, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, '', '', ?, ?)`

	queryGetWithdrawal = `
		SELECT id, creator_id, amount_usd, payout_address, status, tx_ref, error_message, created_at, updated_at
		FROM withdrawal_requests WHERE id = ?`

	queryCompleteWithdrawal = `
		UPDATE withdrawal_requests SET status = 'completed', tx_ref = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`

	queryFailWithdrawal = `
		UPDATE withdrawal_requests SET status = 'failed', error_message = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`

	queryListPendingWithdrawals = `
		SELECT id, creator_id, amount_usd, payout_address, status, tx_ref, error_message, created_at, updated_at
		FROM withdrawal_requests WHERE status = 'pending' ORDER BY id`

	queryGetFreeTierUsage = `
		SELECT calls_used, period_start FROM free_tier_usage
		WHERE wallet = ? AND service_id = ?`

	queryUpsertFreeTierUsage = `
		INSERT INTO free_tier_usage (wallet, service_id, calls_used, period_start)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(wallet, service_id) DO UPDATE SET calls_used = excluded.calls_used, period_start = excluded.period_start`

	queryInsertUsage = `
		INSERT INTO usage_log (id, wallet, service_id, auth_method, cost_usd, status_code, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	queryInsertReconciliation = `
		INSERT INTO reconciliation_records (id, total_ledger_usd, total_onchain_usd, difference, status, discrepancies, account_count, pending_withdrawals, run_by, run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
)
