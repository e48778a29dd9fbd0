package keyword

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	regexpfilter "github.com/blevesearch/bleve/v2/analysis/char/regexp"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"
)

// searchFields are the analyzed fields a query runs against.
var searchFields = []string{"name", "type", "container", "text"}

// BleveIndex implements EntityIndex using Bleve.
type BleveIndex struct {
	index bleve.Index
}

var _ EntityIndex = (*BleveIndex)(nil)

const (
	entityAnalyzer = "entity_text"
	typeSeparator  = "type_separator"
)

func newMapping() (*mapping.IndexMappingImpl, error) {
	im := bleve.NewIndexMapping()

	// "Basic Wall:Exterior" must yield "wall" and "exterior"; the unicode
	// tokenizer alone keeps letters joined by ':' in one token.
	err := im.AddCustomCharFilter(typeSeparator, map[string]interface{}{
		"type":    regexpfilter.Name,
		"regexp":  `:`,
		"replace": " ",
	})
	if err != nil {
		return nil, err
	}
	// Lowercase + tokenize, no stemming, so tags like "D-101" stay findable.
	err = im.AddCustomAnalyzer(entityAnalyzer, map[string]interface{}{
		"type":          custom.Name,
		"char_filters":  []string{typeSeparator},
		"tokenizer":     unicode.Name,
		"token_filters": []string{lowercase.Name},
	})
	if err != nil {
		return nil, err
	}

	docMapping := bleve.NewDocumentMapping()
	textFieldMapping := bleve.NewTextFieldMapping()
	textFieldMapping.Analyzer = entityAnalyzer
	for _, f := range searchFields {
		docMapping.AddFieldMappingsAt(f, textFieldMapping)
	}
	keywordFieldMapping := bleve.NewKeywordFieldMapping()
	docMapping.AddFieldMappingsAt("model_id", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("guid", keywordFieldMapping)
	im.AddDocumentMapping("entity", docMapping)
	im.DefaultType = "entity"
	im.DefaultMapping = docMapping
	return im, nil
}

// NewBleveIndex creates or opens a Bleve index at path. An empty path gives
// an in-memory index. If you change the mapping, remove the index directory.
func NewBleveIndex(path string) (*BleveIndex, error) {
	im, err := newMapping()
	if err != nil {
		return nil, fmt.Errorf("failed to build Bleve mapping: %w", err)
	}
	if path == "" {
		index, err := bleve.NewMemOnly(im)
		if err != nil {
			return nil, fmt.Errorf("failed to create Bleve index: %w", err)
		}
		return &BleveIndex{index: index}, nil
	}

	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open Bleve index: %w", openErr)
		}
		return &BleveIndex{index: index}, nil
	}

	index, err := bleve.New(path, im)
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &BleveIndex{index: index}, nil
}

func docID(modelID, guid string) string { return modelID + "/" + guid }

// Index adds or replaces docs in one batch.
func (b *BleveIndex) Index(ctx context.Context, docs []EntityDoc) error {
	if len(docs) == 0 {
		return nil
	}
	batch := b.index.NewBatch()
	for i := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		d := docs[i]
		d.Type = typeWords(d.Type)
		if err := batch.Index(docID(d.ModelID, d.GUID), d); err != nil {
			return fmt.Errorf("failed to index %s: %w", d.GUID, err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("Bleve batch failed: %w", err)
	}
	return nil
}

// Search returns up to limit entities of modelID matching query, best first.
func (b *BleveIndex) Search(ctx context.Context, modelID, query string, limit int, opts *SearchOptions) ([]*Result, error) {
	nameBoost := 1.0
	fuzzyEnabled := false
	fuzziness := 1
	if opts != nil {
		if opts.NameBoost > 0 {
			nameBoost = opts.NameBoost
		}
		fuzzyEnabled = opts.FuzzyEnabled
		if opts.Fuzziness > 0 {
			fuzziness = opts.Fuzziness
		}
	}
	if limit <= 0 {
		limit = 20
	}
	terms := tokenizeQuery(query)
	if len(terms) == 0 {
		return nil, nil
	}

	fields := make([]blevequery.Query, 0, len(searchFields))
	for _, f := range searchFields {
		boost := 1.0
		if f == "name" {
			boost = nameBoost
		}
		fields = append(fields, fieldQuery(query, terms, f, boost, fuzzyEnabled, fuzziness))
	}
	model := bleve.NewTermQuery(modelID)
	model.SetField("model_id")
	q := bleve.NewConjunctionQuery(model, bleve.NewDisjunctionQuery(fields...))

	req := bleve.NewSearchRequest(q)
	req.Size = limit
	results, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}
	out := make([]*Result, len(results.Hits))
	prefix := modelID + "/"
	for i, hit := range results.Hits {
		out[i] = &Result{GUID: strings.TrimPrefix(hit.ID, prefix), Score: hit.Score}
	}
	return out, nil
}

// fieldQuery matches query against one field. Fuzzy mode ORs one FuzzyQuery per term.
func fieldQuery(query string, terms []string, field string, boost float64, fuzzy bool, fuzziness int) blevequery.Query {
	if !fuzzy {
		mq := bleve.NewMatchQuery(query)
		mq.SetField(field)
		mq.SetBoost(boost)
		return mq
	}
	queries := make([]blevequery.Query, 0, len(terms))
	for _, term := range terms {
		fq := bleve.NewFuzzyQuery(term)
		fq.SetFuzziness(fuzziness)
		fq.SetField(field)
		fq.SetBoost(boost)
		queries = append(queries, fq)
	}
	if len(queries) == 1 {
		return queries[0]
	}
	return bleve.NewDisjunctionQuery(queries...)
}

// DeleteModel removes every document belonging to modelID.
func (b *BleveIndex) DeleteModel(ctx context.Context, modelID string) error {
	q := bleve.NewTermQuery(modelID)
	q.SetField("model_id")
	for {
		req := bleve.NewSearchRequest(q)
		req.Size = 1000
		results, err := b.index.SearchInContext(ctx, req)
		if err != nil {
			return fmt.Errorf("Bleve search failed: %w", err)
		}
		if len(results.Hits) == 0 {
			return nil
		}
		batch := b.index.NewBatch()
		for _, hit := range results.Hits {
			batch.Delete(hit.ID)
		}
		if err := b.index.Batch(batch); err != nil {
			return fmt.Errorf("Bleve batch failed: %w", err)
		}
	}
}

// DocCount returns the total number of documents in the index.
func (b *BleveIndex) DocCount() (uint64, error) {
	return b.index.DocCount()
}

// Close closes the Bleve index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}
