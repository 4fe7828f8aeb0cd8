package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/autonomy-engine/internal/infra"
)

// incrIfBelow — атомарный «инкремент, если ниже потолка». Проверка и
// инкремент в одном скрипте: две конкурентные авторизации не займут
// один и тот же последний слот суточного лимита гранта.
var incrIfBelow = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[1]) then
	return 0
end
current = redis.call('INCR', KEYS[1])
if current == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 1
`)

// admitAutonomy — вся пропускная арифметика Guardian одним скриптом:
// активный cooldown, потолок суточного бюджета, и если оба пройдены —
// занятие слота и взведение cooldown. Проверка и резерв неразделимы:
// две конкурентные заявки не проскочат под одну паузу.
var admitAutonomy = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 'cooldown_active'
end
local current = tonumber(redis.call('GET', KEYS[2]) or '0')
if current >= tonumber(ARGV[1]) then
	return 'daily_budget_exhausted'
end
current = redis.call('INCR', KEYS[2])
if current == 1 then
	redis.call('PEXPIRE', KEYS[2], ARGV[2])
end
if tonumber(ARGV[3]) > 0 then
	redis.call('SET', KEYS[1], '1', 'PX', ARGV[3])
end
return 'ok'
`)

// dailyKeyTTL — ключ живет дольше суток, чтобы счетчик «вчера» был виден
// для диагностики, но не копился вечно
const dailyKeyTTL = 48 * time.Hour

// Throttle — счетчики Guardian в Redis: cooldown между автономными
// исполнениями и суточный бюджет автономии. Вся арифметика атомарна,
// инстансы движка ничего не координируют между собой напрямую.
type Throttle struct {
	rdb *redis.Client
	now func() time.Time // Подменяется в тестах
}

func NewThrottle(rdb *redis.Client) *Throttle {
	return &Throttle{rdb: rdb, now: time.Now}
}

// AdmitAutonomous резервирует право на одно автономное исполнение:
// суточный слот занимается и cooldown взводится одной атомарной операцией
// в точке одобрения. false сопровождается причиной отказа. Занятое назад
// не возвращается.
func (t *Throttle) AdmitAutonomous(ctx context.Context, tenantID string, dailyMax int, cooldown time.Duration) (bool, string, error) {
	keys := []string{infra.CooldownKey(tenantID), infra.DailyCountKey(tenantID, t.day())}
	res, err := admitAutonomy.Run(ctx, t.rdb, keys,
		dailyMax, dailyKeyTTL.Milliseconds(), cooldown.Milliseconds()).Text()
	if err != nil {
		return false, "", fmt.Errorf("throttle: autonomy admit: %w", err)
	}
	if res != "ok" {
		return false, res, nil
	}
	return true, "", nil
}

// ReserveGrantUse занимает одно использование гранта в суточном окне тем же
// атомарным скриптом, что и бюджет Guardian: конкурентные авторизации не
// протиснутся под общий лимит. false — лимит уже выбран.
func (t *Throttle) ReserveGrantUse(ctx context.Context, grantID string, limit int) (bool, error) {
	key := infra.GrantDailyKey(grantID, t.day())
	res, err := incrIfBelow.Run(ctx, t.rdb, []string{key}, limit, dailyKeyTTL.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("throttle: grant use reserve: %w", err)
	}
	return res == 1, nil
}

// Счетчик ключуется UTC-днем: полночь пользователя нас не волнует,
// бюджет — скользящая защита, а не календарная квота.
func (t *Throttle) day() string {
	return t.now().UTC().Format("2006-01-02")
}
