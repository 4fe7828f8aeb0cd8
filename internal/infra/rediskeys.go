package infra

import "fmt"

const (
	// RedisNamespace — базовый префикс для изоляции данных движка в Redis
	RedisNamespace = "aae"
)

// Ключи состояния (счетчики, cooldown)
const (
	// Cooldown пользователя: SET PX, существование ключа = пауза активна
	RedisKeyCooldownPrefix = RedisNamespace + ":guardian:cooldown:"
	// Суточный счетчик автономных исполнений: INCR с TTL
	RedisKeyDailyCountPrefix = RedisNamespace + ":guardian:daily:"
	// Суточный счетчик использований гранта: INCR с TTL
	RedisKeyGrantDailyPrefix = RedisNamespace + ":grant:daily:"
	// Лок периодического свипа (SetNX): в кластере свип гоняет только один инстанс
	RedisKeyLockSweep = RedisNamespace + ":lock:sweep"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanGrantUpdate — сигнал инвалидации RAM-кэша грантов на всех инстансах
	RedisChanGrantUpdate = RedisNamespace + ":grants:update"
	// RedisChanDecisions — трансляция решений пользователя (approve/reject) для пробуждения свипа
	RedisChanDecisions = RedisNamespace + ":interventions:decisions"
	// RedisChanConflictUpdate — разрешение ценностного конфликта, снимает блокировку категории
	RedisChanConflictUpdate = RedisNamespace + ":conflicts:update"
)

// CooldownKey — ключ cooldown конкретного пользователя.
func CooldownKey(tenantID string) string {
	return RedisKeyCooldownPrefix + tenantID
}

// DailyCountKey — суточный счетчик пользователя, ключуется UTC-днем.
// TTL 48ч ставится при первом инкременте, чтобы ключи не копились.
func DailyCountKey(tenantID, day string) string {
	return fmt.Sprintf("%s%s:%s", RedisKeyDailyCountPrefix, tenantID, day)
}

// GrantDailyKey — суточный счетчик использований гранта, ключуется UTC-днем.
func GrantDailyKey(grantID, day string) string {
	return fmt.Sprintf("%s%s:%s", RedisKeyGrantDailyPrefix, grantID, day)
}
