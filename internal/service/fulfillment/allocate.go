package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/keyshop/internal/domain"
)

// Причины невыдачи единицы, попадают в заметки заказа.
const (
	shortNoStock        = "no key in stock"
	shortProviderFailed = "key provider failed"
	shortMintNotStored  = "minted key not stored"
	shortNoProduct      = "product not in catalog"
	shortPhysical       = "physical stock exhausted"
)

type allocation struct {
	// total: все единицы заказа, включая выданные прошлыми прогонами.
	total     int
	delivered int
	minted    int
	physical  int
	short     int
	shortages []string
}

func (a *allocation) addShort(item domain.OrderItem, n int, reason string) {
	if n <= 0 {
		return
	}
	a.short += n
	line := fmt.Sprintf("item %s product %s", item.ID, item.ProductID)
	if item.SKU != "" {
		line += " [" + item.SKU + "]"
	}
	a.shortages = append(a.shortages, fmt.Sprintf("%s: %d short (%s)", line, n, reason))
}

// note формирует строку для Order.Notes: сколько единиц не выдано и по каким позициям.
func (a allocation) note(at time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "under-delivered at %s: %d of %d unit(s) short, manual fulfillment required",
		at.UTC().Format(time.RFC3339), a.short, a.total)
	for _, s := range a.shortages {
		b.WriteString("\n- ")
		b.WriteString(s)
	}
	return b.String()
}

// allocate выдаёт недостающие единицы по каждой позиции. Ключи, уже
// закреплённые за заказом прошлым прерванным прогоном, засчитываются.
func (p *Pipeline) allocate(ctx context.Context, logger *log.Entry, order domain.Order) (allocation, error) {
	var a allocation

	existing, err := p.keys.ListByOrder(ctx, order.ID)
	if err != nil {
		return a, fmt.Errorf("list keys of order %s: %w", order.ID, err)
	}
	assigned := make(map[domain.KeyScope]int, len(existing))
	for _, k := range existing {
		assigned[k.Scope()]++
	}

	products := make(map[string]domain.Product)
	for _, item := range order.Items {
		a.total += int(item.Quantity)
		itemLog := logger.WithFields(log.Fields{
			"item_id":    item.ID,
			"product_id": item.ProductID,
			"variant":    item.SKU,
		})

		if !item.IsDigital {
			if err := p.allocatePhysical(ctx, itemLog, item, &a); err != nil {
				return a, err
			}
			continue
		}

		scope := domain.ScopeOf(item)
		have := min(assigned[scope], int(item.Quantity))
		assigned[scope] -= have
		need := int(item.Quantity) - have
		if need == 0 {
			continue
		}

		product, err := p.product(ctx, products, item.ProductID)
		if err != nil {
			if errors.Is(err, domain.ErrProductNotFound) {
				itemLog.Warn("product missing from catalog, units left undelivered")
				a.addShort(item, need, shortNoProduct)
				p.recordShort(need)
				continue
			}
			return a, err
		}

		// Причины считаются по отдельности: часть единиц может упереться
		// в пустой пул, часть в сбой поставщика.
		var (
			reasons []string
			counts  = make(map[string]int)
		)
		for unit := 1; unit <= need; unit++ {
			if err := ctx.Err(); err != nil {
				return a, fmt.Errorf("allocate order %s: %w", order.ID, err)
			}
			ok, why, err := p.allocateUnit(ctx, itemLog.WithField("unit", have+unit), order, item, product, &a)
			if err != nil {
				return a, err
			}
			if ok {
				continue
			}
			if counts[why] == 0 {
				reasons = append(reasons, why)
			}
			counts[why]++
		}
		for _, why := range reasons {
			a.addShort(item, counts[why], why)
			p.recordShort(counts[why])
		}
	}

	return a, nil
}

// allocateUnit выдаёт одну единицу: ключ из пула, иначе ключ поставщика,
// иначе фиксирует нехватку. Ошибка возвращается при сбое хранилища и при
// истечении срока прогона: такой заказ остаётся на повтор, а не в нехватке.
func (p *Pipeline) allocateUnit(
	ctx context.Context,
	logger *log.Entry,
	order domain.Order,
	item domain.OrderItem,
	product domain.Product,
	a *allocation,
) (bool, string, error) {
	_, err := p.keys.ClaimUnused(ctx, domain.ScopeOf(item), order.ID)
	if err == nil {
		a.delivered++
		p.recordUnits("pool", 1)
		logger.Debug("key claimed from pool")
		return true, "", nil
	}
	if !errors.Is(err, domain.ErrNoKeyAvailable) {
		return false, "", fmt.Errorf("claim key for order %s: %w", order.ID, err)
	}

	if !product.AllowExternalKey || p.provider == nil {
		logger.Warn("no key available, unit left for manual fulfillment")
		return false, shortNoStock, nil
	}

	mintCtx, cancel := context.WithTimeout(ctx, p.mintTimeout)
	value, err := p.provider.MintKey(mintCtx, domain.MintRequest{
		OrderID:     order.ID,
		ProductID:   product.ID,
		ExternalRef: product.ExternalRef,
		SKU:         item.SKU,
		Price:       item.Price,
		Currency:    order.Currency,
	})
	cancel()
	if err != nil && ctx.Err() != nil {
		return false, "", fmt.Errorf("mint key for order %s: %w", order.ID, ctx.Err())
	}
	if err != nil {
		if p.metrics != nil {
			p.metrics.RecordMintFailure()
		}
		logger.WithError(err).Warn("external key mint failed, unit left undelivered")
		return false, shortProviderFailed, nil
	}

	if _, err := p.keys.InsertUsed(ctx, domain.Key{
		ProductID: item.ProductID,
		SKU:       item.SKU,
		Value:     value,
		OrderID:   order.ID,
	}); err != nil {
		// Повторный прогон купил бы ещё один ключ, поэтому единица уходит в нехватку.
		logger.WithError(err).Error("minted key could not be stored")
		p.alert(ctx, fmt.Sprintf("order %s: key minted for product %s could not be stored: %v", order.ID, item.ProductID, err))
		return false, shortMintNotStored, nil
	}

	a.delivered++
	a.minted++
	p.recordUnits("external", 1)
	logger.Info("key minted by external provider")
	return true, "", nil
}

func (p *Pipeline) allocatePhysical(ctx context.Context, logger *log.Entry, item domain.OrderItem, a *allocation) error {
	taken, err := p.catalog.TakeStock(ctx, item)
	if err != nil {
		if errors.Is(err, domain.ErrProductNotFound) || errors.Is(err, domain.ErrVariantNotFound) {
			logger.Warn("physical item missing from catalog")
			a.addShort(item, int(item.Quantity), shortNoProduct)
			p.recordShort(int(item.Quantity))
			return nil
		}
		return fmt.Errorf("take stock for item %s: %w", item.ID, err)
	}

	a.physical += int(taken)
	p.recordUnits("physical", int(taken))
	if short := int(item.Quantity - taken); short > 0 {
		logger.WithField("short", short).Warn("physical stock exhausted")
		a.addShort(item, short, shortPhysical)
		p.recordShort(short)
	}
	return nil
}

func (p *Pipeline) product(ctx context.Context, cache map[string]domain.Product, id string) (domain.Product, error) {
	if product, ok := cache[id]; ok {
		return product, nil
	}
	product, err := p.catalog.GetProduct(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrProductNotFound) {
			return domain.Product{}, err
		}
		return domain.Product{}, fmt.Errorf("load product %s: %w", id, err)
	}
	cache[id] = product
	return product, nil
}

func (p *Pipeline) recordUnits(source string, n int) {
	if p.metrics != nil {
		p.metrics.RecordUnits(source, n)
	}
}

func (p *Pipeline) recordShort(n int) {
	if p.metrics != nil {
		p.metrics.RecordShort(n)
	}
}
