package cache

import "fmt"

// Key construction lives in one place so every write path invalidates the
// same set of keys a read path can populate. Adding a cached view of an
// entity means adding it here, not at each call site.

const (
	productKeyPrefix   = "product:"
	productListPrefix  = "products:list:"
	searchPrefix       = "products:search:"
	saleKeyPrefix      = "sale:"
	salesPagePrefix    = "sales:page:"
	variancesKeyPrefix = "counts:variances:"
)

func ProductKey(id string) string {
	return productKeyPrefix + id
}

func ProductBarcodeKey(barcode string) string {
	return productKeyPrefix + "barcode:" + barcode
}

func ProductListKey(category string) string {
	if category == "" {
		category = "all"
	}
	return productListPrefix + category
}

func SearchKey(query string, limit int) string {
	return fmt.Sprintf("%s%d:%s", searchPrefix, limit, query)
}

func SaleKey(id string) string {
	return saleKeyPrefix + id
}

func SalesPageKey(fromMillis int64, toMillis int64, limit int, offset int) string {
	return fmt.Sprintf("%s%d:%d:%d:%d", salesPagePrefix, fromMillis, toMillis, limit, offset)
}

func VariancesKey(minAbs int, limit int) string {
	return fmt.Sprintf("%s%d:%d", variancesKeyPrefix, minAbs, limit)
}

// ProductWriteKeys is the full set of keys and prefixes a product mutation
// can have populated. Tracking precise list membership is not worth the
// bookkeeping, so list and search caches are invalidated wholesale.
func ProductWriteKeys(id string, barcodes ...string) (keys []string, prefixes []string) {
	keys = []string{ProductKey(id)}
	for _, barcode := range barcodes {
		if barcode != "" {
			keys = append(keys, ProductBarcodeKey(barcode))
		}
	}
	prefixes = []string{productListPrefix, searchPrefix}
	return keys, prefixes
}

// SaleWriteKeys covers a committed sale: every affected product plus all
// sales history pages.
func SaleWriteKeys(productIDs []string, barcodes []string) (keys []string, prefixes []string) {
	for _, id := range productIDs {
		keys = append(keys, ProductKey(id))
	}
	for _, barcode := range barcodes {
		if barcode != "" {
			keys = append(keys, ProductBarcodeKey(barcode))
		}
	}
	prefixes = []string{productListPrefix, searchPrefix, salesPagePrefix}
	return keys, prefixes
}

// CountWriteKeys covers recording or applying an inventory count.
func CountWriteKeys(productID string, barcode string) (keys []string, prefixes []string) {
	keys, prefixes = ProductWriteKeys(productID, barcode)
	prefixes = append(prefixes, variancesKeyPrefix)
	return keys, prefixes
}
